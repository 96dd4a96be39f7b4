// Forge server: Error kinds
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	error_not_found  = errors.New("not found")
	error_validation = errors.New("invalid")
	error_io         = errors.New("i/o error")
	error_conflict   = errors.New("conflict")
	error_upstream   = errors.New("upstream failure")
)

// error_new creates an error of the given kind
func error_new(kind error, format string, values ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, values...))
}

// error_wrap attaches a kind and context to an underlying error, keeping both matchable with errors.Is
func error_wrap(kind error, err error, format string, values ...any) error {
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, values...), err)
}

// error_category returns the short string sent to git clients in place of internal error text
func error_category(err error) string {
	switch {
	case errors.Is(err, error_not_found):
		return "Not found"
	case errors.Is(err, error_validation):
		return "Bad request"
	case errors.Is(err, error_conflict):
		return "Conflict"
	case errors.Is(err, error_upstream):
		return "Git failed"
	}
	return "Internal error"
}

func error_status(err error) int {
	switch {
	case errors.Is(err, error_not_found):
		return http.StatusNotFound
	case errors.Is(err, error_validation):
		return http.StatusBadRequest
	case errors.Is(err, error_conflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
