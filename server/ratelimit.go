// Forge server: Rate limiting
// Copyright Alistair Cunningham 2025

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rate_limit_entry struct {
	count int
	reset int64
}

type rate_limiter struct {
	entries map[string]*rate_limit_entry
	lock    sync.Mutex
	limit   int
	window  int64 // seconds
}

var (
	// API rate limiter: 1000 requests per minute
	rate_limit_api = rate_limiter_new(1000, 60)

	// Password attempts, from the login endpoint and git basic auth: 20 per 5 minutes
	rate_limit_login = rate_limiter_new(20, 300)

	// Account registrations: 10 per hour
	rate_limit_register = rate_limiter_new(10, 3600)
)

func rate_limiter_new(limit int, window int64) *rate_limiter {
	return &rate_limiter{entries: make(map[string]*rate_limit_entry), limit: limit, window: window}
}

// Check if request is allowed; returns true if allowed, false if rate limited
func (r *rate_limiter) allow(key string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := now()
	entry := r.entries[key]

	if entry == nil {
		r.entries[key] = &rate_limit_entry{count: 1, reset: now + r.window}
		return true
	}

	// Window expired, reset counter
	if now >= entry.reset {
		entry.count = 1
		entry.reset = now + r.window
		return true
	}

	if entry.count >= r.limit {
		return false
	}

	entry.count++
	return true
}

// Reset counter for a key (e.g., on successful login)
func (r *rate_limiter) reset(key string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.entries, key)
}

// Clean up expired entries
func (r *rate_limiter) cleanup() {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := now()
	for key, entry := range r.entries {
		if now >= entry.reset {
			delete(r.entries, key)
		}
	}
}

// Get client IP, respecting X-Forwarded-For if behind proxy
func rate_limit_client_ip(c *gin.Context) string {
	xff := c.GetHeader("X-Forwarded-For")
	if xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}

	xri := c.GetHeader("X-Real-IP")
	if xri != "" {
		return xri
	}

	return c.ClientIP()
}

// Refuse a rate limited /api request. Like every other /api response it is HTTP 200, with the
// status in the envelope.
func rate_limit_refuse(c *gin.Context, ip string, limit string, message string) {
	info("Rate limit %q exceeded for %s on %s", limit, ip, c.Request.URL.Path)
	audit_rate_limit(ip, limit)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusTooManyRequests, "message": message})
	c.Abort()
}

// Middleware for general API rate limiting
func rate_limit_api_middleware(c *gin.Context) {
	ip := rate_limit_client_ip(c)
	if !rate_limit_api.allow(ip) {
		rate_limit_refuse(c, ip, "api", "Rate limit exceeded. Please try again later.")
		return
	}
	c.Next()
}

// Middleware for login rate limiting (stricter)
func rate_limit_login_middleware(c *gin.Context) {
	ip := rate_limit_client_ip(c)
	if !rate_limit_login.allow(ip) {
		rate_limit_refuse(c, ip, "login", "Too many login attempts. Please try again later.")
		return
	}
	c.Next()
}

// Middleware for registration, counted apart from password attempts
func rate_limit_register_middleware(c *gin.Context) {
	ip := rate_limit_client_ip(c)
	if !rate_limit_register.allow(ip) {
		rate_limit_refuse(c, ip, "register", "Too many registrations. Please try again later.")
		return
	}
	c.Next()
}

// Background cleanup goroutine for expired rate limit entries
func ratelimit_manager() {
	for range time.Tick(time.Minute) {
		rate_limit_api.cleanup()
		rate_limit_login.cleanup()
		rate_limit_register.cleanup()
	}
}
