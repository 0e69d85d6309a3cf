package streetview

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), ""},
		{"api error", &APIError{Op: "fetch_tile", Class: ErrorClassTile}, ErrorClassTile},
		{"wrapped api error", fmt.Errorf("outer: %w", &APIError{Class: ErrorClassAuth}), ErrorClassAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorClassPredicates(t *testing.T) {
	tests := []struct {
		class       ErrorClass
		retryable   bool
		auth        bool
		notFound    bool
		sessionFail bool
	}{
		{ErrorClassTransient, true, false, false, false},
		{ErrorClassTile, true, false, false, false},
		{ErrorClassAuth, false, true, false, false},
		{ErrorClassNotFound, false, false, true, false},
		{ErrorClassSession, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			err := &APIError{Class: tt.class}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsAuth(err); got != tt.auth {
				t.Errorf("IsAuth() = %v, want %v", got, tt.auth)
			}
			if got := IsNotFound(err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
			if got := IsSession(err); got != tt.sessionFail {
				t.Errorf("IsSession() = %v, want %v", got, tt.sessionFail)
			}
		})
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := &APIError{Op: "resolve_pano", Class: ErrorClassTransient, Message: "request failed", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped cause")
	}

	var apiErr *APIError
	wrapped := fmt.Errorf("lookup: %w", err)
	if !errors.As(wrapped, &apiErr) {
		t.Fatal("expected errors.As to find *APIError through wrapping")
	}
	if apiErr.Op != "resolve_pano" {
		t.Errorf("Op = %q, want %q", apiErr.Op, "resolve_pano")
	}
}
