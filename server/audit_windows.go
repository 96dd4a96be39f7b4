//go:build windows

// Forge server: Audit logging (Windows implementation using file logging)
// Copyright Alistair Cunningham 2025

package main

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	audit_file   *os.File
	audit_logger *log.Logger
	audit_lock   sync.Mutex
)

// Initialize audit logging to a file in the data directory
func audit_init(data string) {
	audit_lock.Lock()
	defer audit_lock.Unlock()

	path := filepath.Join(data, "audit.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		info("Unable to create audit log directory: %v", err)
		return
	}

	var err error
	audit_file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		info("Unable to open audit log file: %v", err)
		return
	}
	audit_logger = log.New(audit_file, "", 0)
}

func audit_close() {
	audit_lock.Lock()
	defer audit_lock.Unlock()

	if audit_file != nil {
		audit_file.Close()
		audit_file = nil
		audit_logger = nil
	}
}

// audit_write writes a message to the audit log with timestamp and facility
func audit_write(facility string, message string) {
	audit_lock.Lock()
	defer audit_lock.Unlock()

	if audit_logger != nil {
		audit_logger.Printf("%s [%s] %s", time.Now().Format("2006-01-02 15:04:05"), facility, message)
	}
}
