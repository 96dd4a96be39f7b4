// Forge server: Main
// Copyright Alistair Cunningham 2025

package main

import (
	"flag"
	"os"

	"github.com/gin-gonic/gin"
)

func main() {
	var file string
	var data string
	flag.StringVar(&file, "config", "/etc/forge/forge.conf", "Configuration file")
	flag.StringVar(&data, "data", "/var/lib/forge", "Directory to store data in")
	flag.Parse()

	if _, err := os.Stat(file); err != nil {
		file = ""
	}
	c, err := config_load(file, data)
	if err != nil {
		warn("Unable to load configuration: %v", err)
		os.Exit(1)
	}
	log_mailer = mailer_new(c)
	audit_init(c.data)
	defer audit_close()

	info("Starting")
	gin.SetMode(gin.ReleaseMode)
	f, err := forge_new(c)
	if err != nil {
		warn("Unable to start: %v", err)
		os.Exit(1)
	}

	audit_server_start(c.listen)
	go ratelimit_manager()
	if c.ssh != "" {
		go f.ssh_start()
	}
	f.web_start()
}
