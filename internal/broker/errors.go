// Package broker holds the shared error taxonomy (spec.md §7) and backoff
// policy (spec.md §4.2) used by every component that can fail mid-job.
package broker

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Kind is one of the error kinds enumerated in spec.md §7.
type Kind string

const (
	KindInputInvalid           Kind = "InputInvalid"
	KindDebridUnavailable      Kind = "DebridUnavailable"
	KindDebridReject           Kind = "DebridReject"
	KindDebridProcessingFailed Kind = "DebridProcessingFailed"
	KindURLExpired             Kind = "UrlExpired"
	KindNetworkTransient       Kind = "NetworkTransient"
	KindDiskFull               Kind = "DiskFull"
	KindDiskPermanent          Kind = "DiskPermanent"
	KindSizeMismatch           Kind = "SizeMismatch"
	KindCancelled              Kind = "Cancelled"
	KindInternal               Kind = "Internal"
)

// Error wraps an underlying error with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. If err is nil, New returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with the given kind.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsTransient reports whether the propagation policy of spec.md §7 recovers
// this error locally under the backoff policy, rather than surfacing the
// terminal error state.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetworkTransient, KindURLExpired, KindDebridUnavailable, KindDiskFull:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus implements the transient/fatal split of spec.md §4.2
// and §4.3 for an HTTP status code returned by the Debrid Gateway.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindDebridUnavailable
	case status >= 500:
		return KindDebridUnavailable
	case status >= 400:
		return KindDebridReject
	default:
		return KindInternal
	}
}

// ClassifyNetworkError maps a transport-level error (from an http.Client.Do
// or io.Reader) into NetworkTransient when it matches the kinds listed in
// spec.md §4.2 ("connection reset, read timeout, HTTP 5xx, HTTP 408/429,
// partial transfer...").
func ClassifyNetworkError(err error) Kind {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTransient
	}
	if errors.Is(err, net.ErrClosed) {
		return KindNetworkTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkTransient
	}
	return KindInternal
}

// ClassifyDiskError maps a write/sync/truncate failure into DiskFull when the
// underlying syscall errno is ENOSPC (spec.md §7: recovered locally under the
// backoff policy), else DiskPermanent.
func ClassifyDiskError(err error) Kind {
	if errors.Is(err, syscall.ENOSPC) {
		return KindDiskFull
	}
	return KindDiskPermanent
}

// Backoff computes the exponential-with-full-jitter delay for the given
// zero-based attempt number: base 2s, factor 2, cap 60s (spec.md §4.2).
func Backoff(attempt int) time.Duration {
	const base = 2 * time.Second
	const cap_ = 60 * time.Second

	if attempt < 0 {
		attempt = 0
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(cap_) {
		exp = float64(cap_)
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}

// MaxConsecutiveTransientFailures is the fatal threshold of spec.md §4.2:
// "exceeding 5 consecutive transient failures without byte progress".
const MaxConsecutiveTransientFailures = 5
