// ============================================================================
// Provider Error Taxonomy
// ============================================================================
//
// Package: internal/provider
// File: errors.go
// Purpose: Classify external provider failures into a small closed set of
//          kinds at the call boundary, so retry policy is a pure function of
//          the kind rather than of provider-specific error shapes.
//
// Kinds and policy:
//   Transport     timeout / connection failure      -> rotate key, retry
//   Quota         throttling signal (429, limits)    -> rotate key, retry
//   Auth          rejected credential (401/403)      -> rotate key, retry
//   Client        other 4xx                          -> rotate key, retry
//   NoText        nothing recognized                 -> empty result
//   Malformed     unparseable structured response    -> fail the job
//   Synthesis     narration audio failed             -> clear audio path only
//   Configuration no credentials configured          -> fail fast
//
// ============================================================================

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the closed set of provider failure classes.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindQuota
	KindAuth
	KindClient
	KindNoText
	KindMalformed
	KindSynthesis
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindQuota:
		return "quota"
	case KindAuth:
		return "auth"
	case KindClient:
		return "client"
	case KindNoText:
		return "no_text"
	case KindMalformed:
		return "malformed"
	case KindSynthesis:
		return "synthesis"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Predefined errors
var (
	// ErrNoText indicates the recognizer found no text in the image
	ErrNoText = &Error{Kind: KindNoText, Err: errors.New("no text found")}
)

// Error is a classified provider failure.
type Error struct {
	Provider string // provider or backend name
	Kind     Kind
	Status   int   // HTTP status when the failure came from a response
	Err      error // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNoText) works
// regardless of which provider reported it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Provider == "" && t.Status == 0
}

// New builds a classified error.
func New(providerName string, kind Kind, err error) *Error {
	return &Error{Provider: providerName, Kind: kind, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(providerName string, kind Kind, format string, args ...any) *Error {
	return &Error{Provider: providerName, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err. Context deadlines and net errors
// that were never classified count as transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransport
	}
	return KindUnknown
}

// Retryable reports whether a failure of this kind should move on to the next key.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransport, KindQuota, KindAuth, KindClient:
		return true
	default:
		return false
	}
}

// ClassifyHTTP maps an HTTP error response to a provider error.
func ClassifyHTTP(providerName string, status int, body string) *Error {
	msg := strings.TrimSpace(body)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	kind := KindClient
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindQuota
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
		if mentionsQuota(msg) {
			kind = KindQuota
		}
	case status >= http.StatusInternalServerError:
		kind = KindTransport
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "api key"):
		kind = KindAuth
	}
	return &Error{Provider: providerName, Kind: kind, Status: status, Err: errors.New(msg)}
}

// ClassifyTransport wraps a failed round trip. Caller cancellation is passed
// through untouched so the rotator stops instead of rotating.
func ClassifyTransport(providerName string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Provider: providerName, Kind: KindTransport, Err: err}
}

func mentionsQuota(msg string) bool {
	lower := strings.ToLower(msg)
	for _, hint := range []string{"quota", "limit", "maximum", "exhausted", "too many"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
