// Forge server: Utilities
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"crypto/rand"
	md "github.com/gomarkdown/markdown"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	alphanumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var (
	match_hyphens      = regexp.MustCompile(`-`)
	match_non_controls = regexp.MustCompile("^[\\P{Cc}\\r\\n]*$")
	markdown_policy    = bluemonday.UGCPolicy()
)

func atoi(s string, def int64) int64 {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return int64(i)
}

func itoa(in int) string {
	return strconv.Itoa(in)
}

// Escape special characters for SQL LIKE patterns
func like_escape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func markdown(in []byte) []byte {
	return markdown_policy.SanitizeBytes(md.ToHTML(in, nil, nil))
}

func must[T any](v T, errors ...error) T {
	if len(errors) == 0 {
		switch e := any(v).(type) {
		case error:
			if e == nil {
				return v
			}
		default:
			return v
		}
		panic(v)
	}
	err := errors[0]
	if err != nil {
		panic(err)
	}
	return v
}

func now() int64 {
	return time.Now().Unix()
}

func random_alphanumeric(length int) string {
	out := make([]rune, length)
	l := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		index := must(rand.Int(rand.Reader, l))
		out[i] = rune(alphanumeric[index.Int64()])
	}
	return string(out)
}

func uid() string {
	u := must(uuid.NewV7())
	return match_hyphens.ReplaceAllLiteralString(u.String(), "")
}

func valid(s string, match string) bool {
	if !match_non_controls.MatchString(s) {
		return false
	}

	switch match {
	case "email":
		match = "^[^@\\s<>]{1,100}@[^@\\s<>]{1,200}$"
	case "filename":
		if s == "." || s == ".." || strings.EqualFold(s, ".git") {
			return false
		}
		match = "^[^/\\x00]{1,255}$"
	case "filepath":
		// Relative path, empty for the root, whose components are never empty, ., .. or .git
		if s == "" {
			return true
		}
		if len(s) > 4096 || strings.ContainsRune(s, 0) {
			return false
		}
		for _, part := range strings.Split(s, "/") {
			if part == "" || part == "." || part == ".." || strings.EqualFold(part, ".git") {
				return false
			}
		}
		return true
	case "id":
		match = "^[0-9a-f]{32}$"
	case "line":
		match = "^[^\r\n]{1,1000}$"
	case "name":
		// Owners and repository names become path components under the repository root
		match = "^[0-9a-zA-Z_-][0-9a-zA-Z_.-]{0,99}$"
	case "natural":
		match = "^\\d{1,9}$"
	case "text":
		return len(s) <= 10000
	}

	return must(regexp.MatchString(match, s))
}
