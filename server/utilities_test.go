// Forge server: Utilities unit tests
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"strings"
	"testing"
)

// Test atoi function
func TestAtoi(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		def      int64
		expected int64
	}{
		{"valid positive", "123", 0, 123},
		{"valid negative", "-456", 0, -456},
		{"valid zero", "0", 99, 0},
		{"empty string", "", 42, 42},
		{"invalid string", "abc", 99, 99},
		{"mixed content", "12abc", 99, 99},
		{"whitespace", " 123", 99, 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := atoi(tt.input, tt.def)
			if result != tt.expected {
				t.Errorf("atoi(%q, %d) = %d, want %d", tt.input, tt.def, result, tt.expected)
			}
		})
	}
}

// Test like_escape function
func TestLikeEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no special chars", "hello", "hello"},
		{"percent", "50%", "50\\%"},
		{"underscore", "hello_world", "hello\\_world"},
		{"backslash", "path\\file", "path\\\\file"},
		{"all special", "%_\\", "\\%\\_\\\\"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := like_escape(tt.input)
			if result != tt.expected {
				t.Errorf("like_escape(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// Test markdown rendering strips unsafe markup
func TestMarkdown(t *testing.T) {
	out := string(markdown([]byte("# Title\n\nSome *text*.\n\n<script>alert(1)</script>\n")))
	if !strings.Contains(out, "<h1") || !strings.Contains(out, "<em>text</em>") {
		t.Errorf("markdown() = %q, want a heading and emphasis", out)
	}
	if strings.Contains(out, "<script") {
		t.Errorf("markdown() = %q, should not contain a script tag", out)
	}
}

// Test must function
func TestMust(t *testing.T) {
	if v := must(42, nil); v != 42 {
		t.Errorf("must(42, nil) = %d, want 42", v)
	}

	defer func() {
		if recover() == nil {
			t.Error("must should panic on error")
		}
	}()
	must(0, errors.New("failed"))
}

// Test random_alphanumeric function
func TestRandomAlphanumeric(t *testing.T) {
	for _, length := range []int{1, 10, 32, 100} {
		result := random_alphanumeric(length)
		if len(result) != length {
			t.Errorf("random_alphanumeric(%d) length = %d, want %d", length, len(result), length)
		}
	}

	for _, r := range random_alphanumeric(100) {
		if !strings.ContainsRune(alphanumeric, r) {
			t.Errorf("random_alphanumeric produced non-alphanumeric char: %q", r)
		}
	}

	if r1, r2 := random_alphanumeric(32), random_alphanumeric(32); r1 == r2 {
		t.Errorf("random_alphanumeric produced identical results: %q", r1)
	}
}

// Test uid function
func TestUid(t *testing.T) {
	id := uid()
	if len(id) != 32 {
		t.Errorf("uid() length = %d, want 32", len(id))
	}
	if !valid(id, "id") {
		t.Errorf("uid() = %q, not a valid id", id)
	}
	if id2 := uid(); id == id2 {
		t.Errorf("uid() produced identical results: %q", id)
	}
}

// Test valid function
func TestValid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		match    string
		expected bool
	}{
		// name pattern, used for owners and repositories
		{"name simple", "project", "name", true},
		{"name dots and dashes", "my-project.v2", "name", true},
		{"name leading dot", ".hidden", "name", false},
		{"name slash", "a/b", "name", false},
		{"name space", "my project", "name", false},
		{"name empty", "", "name", false},
		{"name too long", strings.Repeat("a", 101), "name", false},

		// email pattern
		{"email valid", "alice@example.com", "email", true},
		{"email no at", "alice.example.com", "email", false},
		{"email two ats", "a@b@c", "email", false},

		// filename pattern
		{"filename valid", "README.md", "filename", true},
		{"filename dot", ".", "filename", false},
		{"filename dotdot", "..", "filename", false},
		{"filename slash", "a/b", "filename", false},

		// filepath pattern
		{"filepath root", "", "filepath", true},
		{"filepath nested", "src/lib", "filepath", true},
		{"filepath parent", "src/../etc", "filepath", false},
		{"filepath current", "./src", "filepath", false},
		{"filepath empty component", "a//b", "filepath", false},
		{"filepath trailing slash", "a/", "filepath", false},
		{"filepath git directory", "src/.git", "filepath", false},
		{"filepath git directory upper case", ".GIT/hooks", "filepath", false},
		{"filepath dotted name", "src/.github", "filepath", true},
		{"filepath long", strings.Repeat("a/", 2000) + "b", "filepath", true},
		{"filepath too long", strings.Repeat("a", 4097), "filepath", false},
		{"filename git", ".git", "filename", false},

		// id and natural patterns
		{"id valid", strings.Repeat("a", 32), "id", true},
		{"id upper case", strings.Repeat("A", 32), "id", false},
		{"natural valid", "12345", "natural", true},
		{"natural negative", "-1", "natural", false},

		// text pattern (length check)
		{"text normal", "Hello, world!", "text", true},
		{"text multiline", "line one\nline two", "text", true},
		{"text empty", "", "text", true},
		{"text too long", strings.Repeat("a", 10001), "text", false},

		// Control characters should fail all patterns
		{"control chars", "hello\x00world", "text", false},
		{"control chars name", "hello\x01world", "name", false},

		// Anything else is a regular expression
		{"custom match", "abc", "^[a-z]+$", true},
		{"custom no match", "ABC", "^[a-z]+$", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := valid(tt.input, tt.match)
			if result != tt.expected {
				t.Errorf("valid(%q, %q) = %v, want %v", tt.input, tt.match, result, tt.expected)
			}
		})
	}
}

// Test error kinds map to categories and statuses
func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err      error
		category string
		status   int
	}{
		{error_new(error_not_found, "branch %q", "main"), "Not found", 404},
		{error_new(error_validation, "bad"), "Bad request", 400},
		{error_wrap(error_conflict, errors.New("inner"), "write"), "Conflict", 409},
		{error_wrap(error_upstream, errors.New("exit status 1"), "git"), "Git failed", 500},
		{error_new(error_io, "disk"), "Internal error", 500},
		{errors.New("other"), "Internal error", 500},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := error_category(tt.err); got != tt.category {
				t.Errorf("error_category(%v) = %q, want %q", tt.err, got, tt.category)
			}
			if got := error_status(tt.err); got != tt.status {
				t.Errorf("error_status(%v) = %d, want %d", tt.err, got, tt.status)
			}
		})
	}

	inner := errors.New("inner")
	wrapped := error_wrap(error_io, inner, "read %s", "file")
	if !errors.Is(wrapped, inner) || !errors.Is(wrapped, error_io) {
		t.Errorf("error_wrap should keep both errors matchable: %v", wrapped)
	}
	if wrapped.Error() != "i/o error: read file: inner" {
		t.Errorf("error_wrap() = %q", wrapped.Error())
	}
}

// Benchmark valid
func BenchmarkValid(b *testing.B) {
	inputs := []struct {
		s     string
		match string
	}{
		{"my-project", "name"},
		{"src/lib/file.go", "filepath"},
		{"Hello, world!", "text"},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tt := inputs[i%len(inputs)]
		valid(tt.s, tt.match)
	}
}

// Benchmark like_escape
func BenchmarkLikeEscape(b *testing.B) {
	inputs := []string{"normal string", "50% complete", "path\\to\\file_name"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		like_escape(inputs[i%len(inputs)])
	}
}
