// Forge server: Audit logging
// Copyright Alistair Cunningham 2025

package main

import (
	"fmt"
	"strings"
)

const (
	audit_facility_auth   = "AUTH"
	audit_facility_daemon = "DAEMON"
	audit_facility_ops    = "OPS"
)

// audit_format builds "event key=value ..." from alternating keys and values
func audit_format(event string, fields ...string) string {
	var b strings.Builder
	b.WriteString(event)
	for i := 0; i+1 < len(fields); i += 2 {
		value := fields[i+1]
		if value == "" || strings.ContainsAny(value, " \t\"") {
			value = fmt.Sprintf("%q", value)
		}
		fmt.Fprintf(&b, " %s=%s", fields[i], value)
	}
	return b.String()
}

// AUTH: Authentication, authorization, and security events

// audit_login logs a successful password login
func audit_login(user string, ip string, method string) {
	audit_write(audit_facility_auth, audit_format("login", "user", user, "ip", ip, "method", method))
}

// audit_login_failed logs a failed login attempt
func audit_login_failed(user string, ip string, method string) {
	audit_write(audit_facility_auth, audit_format("login_failed", "user", user, "ip", ip, "method", method))
}

// audit_access_denied logs a write refused to someone other than the owner
func audit_access_denied(user string, repository string, service string) {
	audit_write(audit_facility_auth, audit_format("access_denied", "user", user, "repository", repository, "service", service))
}

// audit_rate_limit logs rate limit triggers
func audit_rate_limit(ip string, limiter string) {
	audit_write(audit_facility_auth, audit_format("rate_limit", "ip", ip, "limiter", limiter))
}

func audit_user_created(user string) {
	audit_write(audit_facility_auth, audit_format("user_created", "user", user))
}

func audit_key_added(user string, fingerprint string) {
	audit_write(audit_facility_auth, audit_format("key_added", "user", user, "fingerprint", fingerprint))
}

// DAEMON: Service lifecycle events

func audit_server_start(listen string) {
	audit_write(audit_facility_daemon, audit_format("server_start", "listen", listen))
}

// OPS: Repository operations

func audit_repository_created(user string, repository string) {
	audit_write(audit_facility_ops, audit_format("repository_created", "user", user, "repository", repository))
}

// audit_push logs the outcome of a receive-pack transaction
func audit_push(repository string, state transaction_state, changes int) {
	audit_write(audit_facility_ops, audit_format("push", "repository", repository, "state", string(state), "changes", itoa(changes)))
}
