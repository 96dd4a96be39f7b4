// Forge server: Browse API
// Copyright Alistair Cunningham 2025

package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Browse responses are always HTTP 200; the outcome is in the body's code
func browse_ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "OK", "data": data})
}

func browse_error(c *gin.Context, err error) {
	debug("Browse %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusOK, gin.H{"code": 500, "message": err.Error()})
}

func browse_unauthorized(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": 401, "message": "Not logged in"})
}

// browse_owner returns the authenticated user if they own the repository, writing the error response
// otherwise
func (f *Forge) browse_owner(c *gin.Context, row *repository_row) *User {
	u := f.authenticate(c)
	if u == nil {
		browse_unauthorized(c)
		return nil
	}
	if u.ID != row.Owner {
		browse_error(c, error_new(error_validation, "no write access to %s/%s", row.OwnerName, row.Name))
		return nil
	}
	return u
}

// browse_path strips the leading slash gin leaves on wildcard parameters
func browse_path(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("path"), "/")
}

// GET /api/repo
func (f *Forge) web_repo_list(c *gin.Context) {
	list, err := f.repository_list(int(atoi(c.Query("page"), 0)), int(atoi(c.Query("limit"), 20)), c.Query("name"), c.Query("order"))
	if err != nil {
		browse_error(c, err)
		return
	}
	browse_ok(c, list)
}

// POST /api/repo
func (f *Forge) web_repo_create(c *gin.Context) {
	u := f.authenticate(c)
	if u == nil {
		browse_unauthorized(c)
		return
	}

	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Initial     bool   `json:"initial"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		browse_error(c, error_wrap(error_validation, err, "invalid request"))
		return
	}

	row, err := f.repository_create(u, body.Name, body.Description, body.Initial)
	if err != nil {
		browse_error(c, err)
		return
	}
	browse_ok(c, row)
}

// GET /api/repo/:owner/:repo
func (f *Forge) web_repo_dashboard(c *gin.Context) {
	row, repo, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		browse_error(c, err)
		return
	}

	branches, err := repo.branches()
	if err != nil {
		browse_error(c, err)
		return
	}
	size, err := repo.size()
	if err != nil {
		browse_error(c, err)
		return
	}

	// An empty repository or one without a README just has no readme
	readme := ""
	if content, err := repo.blob("", "", "README.md"); err == nil {
		readme = string(markdown(content))
	}

	browse_ok(c, gin.H{"repository": row, "branches": branches, "size": size, "readme": readme})
}

// GET /api/repo/:owner/:repo/tree/*path
func (f *Forge) web_repo_tree(c *gin.Context) {
	_, repo, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		browse_error(c, err)
		return
	}

	cr, err := repo.correlate(c.Query("branch"), browse_path(c))
	if err != nil {
		browse_error(c, err)
		return
	}
	browse_ok(c, cr)
}

// GET /api/repo/:owner/:repo/commits
func (f *Forge) web_repo_commits(c *gin.Context) {
	_, repo, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		browse_error(c, err)
		return
	}

	page := int(atoi(c.Query("page"), 0))
	limit := int(atoi(c.Query("limit"), 20))
	if page < 0 {
		page = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	h, err := repo.history(history_options{branch: c.Query("branch"), limit: (page + 1) * limit})
	if err != nil {
		browse_error(c, err)
		return
	}
	commits := []history_commit{}
	if page*limit < len(h.Commits) {
		commits = h.Commits[page*limit:]
	}
	browse_ok(c, gin.H{"commits": commits, "total": h.Total, "page": page, "limit": limit})
}

// GET /api/repo/:owner/:repo/branches
func (f *Forge) web_repo_branches(c *gin.Context) {
	_, repo, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		browse_error(c, err)
		return
	}

	branches, err := repo.branches()
	if err != nil {
		browse_error(c, err)
		return
	}
	browse_ok(c, branches)
}

// GET /api/repo/:owner/:repo/blob/*path
func (f *Forge) web_repo_blob(c *gin.Context) {
	_, repo, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		browse_error(c, err)
		return
	}

	content, err := repo.blob(c.Query("branch"), c.Query("commit"), browse_path(c))
	if err != nil {
		browse_error(c, err)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(content), content)
}

// POST /api/repo/:owner/:repo/blob
func (f *Forge) web_repo_write(c *gin.Context) {
	row, repo, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		browse_error(c, err)
		return
	}
	u := f.browse_owner(c, row)
	if u == nil {
		return
	}

	var body struct {
		Path    string `json:"path"`
		Name    string `json:"name"`
		Branch  string `json:"branch"`
		Message string `json:"message"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		browse_error(c, error_wrap(error_validation, err, "invalid request"))
		return
	}
	if body.Branch == "" {
		body.Branch = "main"
	}
	if body.Message == "" {
		body.Message = "Update " + body.Name
	}

	sig := object.Signature{Name: u.Username, Email: u.Email, When: time.Now()}
	hash, err := repo.write(&blob_write{
		path:      body.Path,
		name:      body.Name,
		branch:    body.Branch,
		message:   body.Message,
		content:   []byte(body.Content),
		author:    sig,
		committer: sig,
	})
	if err != nil {
		browse_error(c, err)
		return
	}

	f.sync(row)
	browse_ok(c, gin.H{"id": hash.String()})
}

// POST /api/user/register
func (f *Forge) web_user_register(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		browse_error(c, error_wrap(error_validation, err, "invalid request"))
		return
	}

	u, err := f.user_register(body.Username, body.Email, body.Password)
	if err != nil {
		browse_error(c, err)
		return
	}
	browse_ok(c, u)
}

// POST /api/user/login
func (f *Forge) web_user_login(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		browse_error(c, error_wrap(error_validation, err, "invalid request"))
		return
	}

	u := f.user_login(body.Username, body.Password)
	if u == nil {
		info("Login failed for %q from %s", body.Username, rate_limit_client_ip(c))
		audit_login_failed(body.Username, rate_limit_client_ip(c), "password")
		browse_error(c, error_new(error_validation, "incorrect username or password"))
		return
	}
	rate_limit_login.reset(rate_limit_client_ip(c))
	audit_login(u.Username, rate_limit_client_ip(c), "password")

	token, err := f.jwt_create(u)
	if err != nil {
		browse_error(c, error_wrap(error_io, err, "create token"))
		return
	}
	browse_ok(c, gin.H{"token": token, "user": u})
}

// POST /api/user/keys
func (f *Forge) web_user_keys(c *gin.Context) {
	u := f.authenticate(c)
	if u == nil {
		browse_unauthorized(c)
		return
	}

	var body struct {
		Name string `json:"name"`
		Key  string `json:"key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		browse_error(c, error_wrap(error_validation, err, "invalid request"))
		return
	}

	k, err := f.key_add(u, body.Name, body.Key)
	if err != nil {
		browse_error(c, err)
		return
	}
	browse_ok(c, k)
}
