// Forge server: Web routes
// Copyright Alistair Cunningham 2025

package main

import (
	"github.com/gin-gonic/autotls"
	"github.com/gin-gonic/gin"
)

func (f *Forge) web_router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	g := r.Group("/git/:owner/:repo")
	g.GET("/info/refs", f.web_git_info_refs)
	g.POST("/:service", f.web_git_rpc)

	a := r.Group("/api")
	a.Use(rate_limit_api_middleware)
	if f.config.compress {
		a.Use(compress_middleware)
	}
	a.GET("/repo", f.web_repo_list)
	a.POST("/repo", f.web_repo_create)
	a.GET("/repo/:owner/:repo", f.web_repo_dashboard)
	a.GET("/repo/:owner/:repo/tree/*path", f.web_repo_tree)
	a.GET("/repo/:owner/:repo/commits", f.web_repo_commits)
	a.GET("/repo/:owner/:repo/branches", f.web_repo_branches)
	a.GET("/repo/:owner/:repo/blob/*path", f.web_repo_blob)
	a.POST("/repo/:owner/:repo/blob", f.web_repo_write)
	a.GET("/repo/:owner/:repo/events", f.web_events)
	a.POST("/user/register", rate_limit_register_middleware, f.web_user_register)
	a.POST("/user/login", rate_limit_login_middleware, f.web_user_login)
	a.POST("/user/keys", f.web_user_keys)

	return r
}

func (f *Forge) web_start() {
	r := f.web_router()

	if len(f.config.domains) > 0 {
		info("Web listening on HTTPS domains %v", f.config.domains)
		err := autotls.Run(r, f.config.domains...)
		if err != nil {
			warn("Web exiting: %v", err)
		}
		return
	}

	info("Web listening on %q", f.config.listen)
	err := r.Run(f.config.listen)
	if err != nil {
		warn("Web exiting: %v", err)
	}
}
