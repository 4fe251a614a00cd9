package app

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrInvalidCredentials is returned for unknown emails, bad passwords and
	// inactive accounts alike so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	ErrNotFound = errors.New("not found")

	// ErrFileTooLarge is returned for uploads above the configured limit.
	ErrFileTooLarge = errors.New("file too large")
)

// ValidationError carries one message per offending field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// IntegrityError reports a unique constraint violation on Field.
type IntegrityError struct {
	Field string
}

func (e *IntegrityError) Error() string {
	return "account with this " + strings.ReplaceAll(e.Field, "_", " ") + " already exists"
}
