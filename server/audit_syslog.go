//go:build !windows

// Forge server: Audit logging to syslog
// Copyright Alistair Cunningham 2025

package main

import (
	"log/syslog"
	"sync"
)

var (
	audit_writers = map[string]*syslog.Writer{}
	audit_lock    sync.Mutex
)

// audit_init opens a syslog writer per facility. The data directory is unused here.
func audit_init(data string) {
	audit_lock.Lock()
	defer audit_lock.Unlock()

	for facility, priority := range map[string]syslog.Priority{
		audit_facility_auth:   syslog.LOG_AUTH,
		audit_facility_daemon: syslog.LOG_DAEMON,
		audit_facility_ops:    syslog.LOG_LOCAL0,
	} {
		w, err := syslog.New(priority|syslog.LOG_INFO, "forge")
		if err != nil {
			info("Unable to open %s audit log: %v", facility, err)
			continue
		}
		audit_writers[facility] = w
	}
}

func audit_close() {
	audit_lock.Lock()
	defer audit_lock.Unlock()

	for facility, w := range audit_writers {
		w.Close()
		delete(audit_writers, facility)
	}
}

func audit_write(facility string, message string) {
	audit_lock.Lock()
	defer audit_lock.Unlock()

	if w := audit_writers[facility]; w != nil {
		w.Info(message)
	}
}
