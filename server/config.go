// Forge server: Configuration
// Copyright Alistair Cunningham 2025

package main

import (
	"fmt"
	"path/filepath"
)

// Config holds everything read from the config file. It is built once at startup and passed
// explicitly to the components that need it.
type Config struct {
	data     string
	root     string
	database string

	listen   string
	domains  []string
	compress bool

	git     string
	backend string

	ssh     string
	ssh_key string

	secret string
	expiry int64

	email_admin string
	email_from  string
	email_host  string
	email_port  int
}

const (
	backend_native   = "native"
	backend_embedded = "embedded"
)

// config_load reads file, deriving default paths from the data directory
func config_load(file string, data string) (*Config, error) {
	f, err := ini_load(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", file, err)
	}

	data = ini_string(f, "", "data", data)
	c := &Config{
		data:        data,
		root:        ini_string(f, "git", "root", filepath.Join(data, "repositories")),
		database:    ini_string(f, "database", "file", filepath.Join(data, "forge.db")),
		listen:      ini_string(f, "web", "listen", ":8080"),
		domains:     ini_strings_commas(f, "web", "domains"),
		compress:    ini_bool(f, "api", "compress", true),
		git:         ini_string(f, "git", "binary", "git"),
		backend:     ini_string(f, "git", "backend", backend_native),
		ssh:         ini_string(f, "ssh", "listen", ""),
		ssh_key:     ini_string(f, "ssh", "key", filepath.Join(data, "ssh_host_ed25519_key")),
		secret:      ini_string(f, "auth", "secret", ""),
		expiry:      int64(ini_int(f, "auth", "expiry", 86400)),
		email_admin: ini_string(f, "email", "admin", ""),
		email_from:  ini_string(f, "email", "from", "forge@localhost"),
		email_host:  ini_string(f, "email", "host", "localhost"),
		email_port:  ini_int(f, "email", "port", 25),
	}

	if c.backend != backend_native && c.backend != backend_embedded {
		return nil, error_new(error_validation, "unknown git backend %q", c.backend)
	}
	if c.expiry <= 0 {
		return nil, error_new(error_validation, "auth expiry must be positive, got %d", c.expiry)
	}
	return c, nil
}
