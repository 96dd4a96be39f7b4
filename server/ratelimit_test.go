// Forge server: Rate limiting unit tests
// Copyright Alistair Cunningham 2025

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllow(t *testing.T) {
	limiter := rate_limiter_new(3, 60)

	for i := 1; i <= 3; i++ {
		if !limiter.allow("client") {
			t.Errorf("Request %d should be allowed", i)
		}
	}
	if limiter.allow("client") {
		t.Error("Request 4 should be denied")
	}
	if !limiter.allow("other") {
		t.Error("A different key should be allowed")
	}
}

func TestRateLimiterReset(t *testing.T) {
	limiter := rate_limiter_new(2, 60)

	limiter.allow("client")
	limiter.allow("client")
	if limiter.allow("client") {
		t.Error("Should be rate limited before reset")
	}

	limiter.reset("client")
	if !limiter.allow("client") {
		t.Error("Should be allowed after reset")
	}

	// Unknown keys are fine
	limiter.reset("missing")
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := rate_limiter_new(2, 60)

	limiter.allow("client")
	limiter.allow("client")
	if limiter.allow("client") {
		t.Error("Should be rate limited")
	}

	limiter.lock.Lock()
	limiter.entries["client"].reset = now() - 1
	limiter.lock.Unlock()

	if !limiter.allow("client") {
		t.Error("Should be allowed after the window expires")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter := rate_limiter_new(10, 60)
	limiter.allow("expired")
	limiter.allow("current")

	limiter.lock.Lock()
	limiter.entries["expired"].reset = now() - 10
	limiter.lock.Unlock()

	limiter.cleanup()
	if len(limiter.entries) != 1 || limiter.entries["current"] == nil {
		t.Errorf("Expected only the current entry to survive cleanup, got %v", limiter.entries)
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	limiter := rate_limiter_new(100, 60)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.allow("client") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("Expected 100 allowed requests, got %d", allowed)
	}
}

func TestRateLimitClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "10.0.0.1,10.0.0.2"}, "10.0.0.1"},
		{"forwarded single", map[string]string{"X-Forwarded-For": "10.0.0.3"}, "10.0.0.3"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.4"}, "10.0.0.4"},
		{"remote address", nil, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				c.Request.Header.Set(k, v)
			}
			if got := rate_limit_client_ip(c); got != tt.want {
				t.Errorf("rate_limit_client_ip() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitLoginMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	saved := rate_limit_login
	rate_limit_login = rate_limiter_new(2, 60)
	defer func() { rate_limit_login = saved }()

	r := gin.New()
	r.POST("/login", rate_limit_login_middleware, func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	bodies := []string{}
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.Header.Set("X-Real-IP", "203.0.113.9")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("Request %d: status %d, want %d", i+1, w.Code, http.StatusOK)
		}
		bodies = append(bodies, w.Body.String())
	}

	if bodies[0] != "ok" || bodies[1] != "ok" {
		t.Errorf("First two requests should reach the handler, got %q", bodies[:2])
	}
	var refused struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(bodies[2]), &refused); err != nil {
		t.Fatalf("Refusal is not a JSON envelope: %q", bodies[2])
	}
	if refused.Code != http.StatusTooManyRequests || refused.Message == "" {
		t.Errorf("Refusal = %+v, want code %d with a message", refused, http.StatusTooManyRequests)
	}
}

func TestRateLimitRegisterSeparate(t *testing.T) {
	saved_login, saved_register := rate_limit_login, rate_limit_register
	rate_limit_login = rate_limiter_new(2, 60)
	rate_limit_register = rate_limiter_new(1, 60)
	defer func() { rate_limit_login, rate_limit_register = saved_login, saved_register }()

	f, _ := test_forge(t)

	r := test_browse(t, f, http.MethodPost, "/api/user/register", map[string]any{"username": "carol", "email": "carol@example.com", "password": test_password}, nil)
	require.Equal(t, http.StatusOK, r.Code, r.Message)
	r = test_browse(t, f, http.MethodPost, "/api/user/register", map[string]any{"username": "dave", "email": "dave@example.com", "password": test_password}, nil)
	require.Equal(t, http.StatusTooManyRequests, r.Code)

	// Registering spent none of the password attempts
	rate_limit_login.lock.Lock()
	require.Empty(t, rate_limit_login.entries)
	rate_limit_login.lock.Unlock()

	r = test_browse(t, f, http.MethodPost, "/api/user/login", map[string]any{"username": "carol", "password": "wrong"}, nil)
	require.NotEqual(t, http.StatusOK, r.Code)
	r = test_browse(t, f, http.MethodPost, "/api/user/login", map[string]any{"username": "carol", "password": test_password}, nil)
	require.Equal(t, http.StatusOK, r.Code, r.Message)
}

func TestRateLimitDefaults(t *testing.T) {
	if rate_limit_api.limit != 1000 || rate_limit_api.window != 60 {
		t.Errorf("rate_limit_api = %d/%d, want 1000/60", rate_limit_api.limit, rate_limit_api.window)
	}
	if rate_limit_login.limit != 20 || rate_limit_login.window != 300 {
		t.Errorf("rate_limit_login = %d/%d, want 20/300", rate_limit_login.limit, rate_limit_login.window)
	}
	if rate_limit_register.limit != 10 || rate_limit_register.window != 3600 {
		t.Errorf("rate_limit_register = %d/%d, want 10/3600", rate_limit_register.limit, rate_limit_register.window)
	}
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	limiter := rate_limiter_new(1000000, 60)
	for i := 0; i < b.N; i++ {
		limiter.allow("benchmark")
	}
}
