package models

import (
	"errors"
	"fmt"
)

// ErrRemoteUnavailable indicates an index or document fetch exhausted its attempts.
type ErrRemoteUnavailable struct {
	URL      string
	Attempts int
	Err      error
}

func (e ErrRemoteUnavailable) Error() string {
	return fmt.Errorf("remote unavailable: %s after %d attempt(s): %w", e.URL, e.Attempts, e.Err).Error()
}

func (e ErrRemoteUnavailable) Unwrap() error {
	return e.Err
}

// ErrMalformedDocument indicates a document that cannot be parsed or lacks mandatory fields.
type ErrMalformedDocument struct {
	Path string
	Err  error
}

func (e ErrMalformedDocument) Error() string {
	if e.Path == "" {
		return fmt.Errorf("malformed document: %w", e.Err).Error()
	}
	return fmt.Errorf("malformed document %s: %w", e.Path, e.Err).Error()
}

func (e ErrMalformedDocument) Unwrap() error {
	return e.Err
}

// ErrUnresolvedCategory indicates a target that maps to no usable category.
type ErrUnresolvedCategory struct {
	Name   string
	Reason string
}

func (e ErrUnresolvedCategory) Error() string {
	return fmt.Sprintf("unresolved category %q: %s", e.Name, e.Reason)
}

// ErrConfiguration indicates a fatal setup problem (credentials, unreadable inputs).
type ErrConfiguration struct {
	Err error
}

func (e ErrConfiguration) Error() string {
	return fmt.Errorf("configuration: %w", e.Err).Error()
}

func (e ErrConfiguration) Unwrap() error {
	return e.Err
}

// ErrorKind labels err with its taxonomy name.
func ErrorKind(err error) string {
	if err == nil {
		return "none"
	}
	var remote ErrRemoteUnavailable
	if errors.As(err, &remote) {
		return "remote_unavailable"
	}
	var malformed ErrMalformedDocument
	if errors.As(err, &malformed) {
		return "malformed_document"
	}
	var unresolved ErrUnresolvedCategory
	if errors.As(err, &unresolved) {
		return "unresolved_category"
	}
	var cfg ErrConfiguration
	if errors.As(err, &cfg) {
		return "configuration"
	}
	return "other"
}
