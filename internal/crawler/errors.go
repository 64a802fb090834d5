package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNetwork matches transport failures: DNS, connect, reset, timeout.
	ErrNetwork = errors.New("network error")
	// ErrHTTP matches non-2xx responses.
	ErrHTTP = errors.New("http error")
	// ErrClient matches malformed requests built by this process.
	ErrClient = errors.New("client error")
	// ErrParse matches pages that do not yield a valid amount due.
	ErrParse = errors.New("parse error")
	// ErrCheckpointIO matches checkpoint read or write failures.
	ErrCheckpointIO = errors.New("checkpoint io error")
	// ErrCancelled is returned when a blocking call is abandoned.
	ErrCancelled = errors.New("cancelled")
	// ErrVersionMismatch is returned when a checkpoint was written by an
	// incompatible format version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
	// ErrObjectNotFound is returned by blob stores for missing objects.
	ErrObjectNotFound = errors.New("object not found")
	// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// FetchKind classifies a fetch failure.
type FetchKind string

const (
	// KindNetwork is a transport failure.
	KindNetwork FetchKind = "network"
	// KindHTTP is a non-2xx response.
	KindHTTP FetchKind = "http"
	// KindClient is a malformed request.
	KindClient FetchKind = "client"
)

func (k FetchKind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindHTTP:
		return ErrHTTP
	case KindClient:
		return ErrClient
	default:
		return nil
	}
}

// FetchError is returned by Fetcher implementations.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	URL        string
	Err        error
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(url string, err error) *FetchError {
	return &FetchError{Kind: KindNetwork, URL: url, Err: err}
}

// NewHTTPError records a non-2xx status.
func NewHTTPError(url string, status int, err error) *FetchError {
	return &FetchError{Kind: KindHTTP, URL: url, StatusCode: status, Err: err}
}

// NewClientError records a malformed request.
func NewClientError(url string, err error) *FetchError {
	return &FetchError{Kind: KindClient, URL: url, Err: err}
}

func (e *FetchError) Error() string {
	msg := string(e.Kind) + " error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg += " fetching " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Retryable reports whether the failure is transient: network errors,
// 5xx, 429 and 408.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindHTTP:
		return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
	default:
		return false
	}
}

// Parse failure reasons.
const (
	ReasonSchemaMismatch = "schema-mismatch"
	ReasonNonNumeric     = "non-numeric"
)

// ParseError is returned when a page cannot yield a valid amount due.
type ParseError struct {
	Reason string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "parse error: " + e.Reason
	}
	return fmt.Sprintf("parse error: %s: %s", e.Reason, e.Detail)
}

// Is matches ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// CheckpointIOError wraps a failed checkpoint read or write.
type CheckpointIOError struct {
	Op  string
	Err error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

// Is matches ErrCheckpointIO.
func (e *CheckpointIOError) Is(target error) bool { return target == ErrCheckpointIO }

// Class is the retry classification of an error.
type Class string

const (
	// ClassNone means there was no error.
	ClassNone Class = ""
	// ClassRetryable errors may succeed on a later attempt.
	ClassRetryable Class = "retryable"
	// ClassTerminal errors fail the identifier immediately.
	ClassTerminal Class = "terminal"
	// ClassDefect errors are terminal and indicate a bug in request building.
	ClassDefect Class = "defect"
	// ClassCancelled errors come from abandoned waits and are not attempts.
	ClassCancelled Class = "cancelled"
)

// Classify maps an error onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		switch {
		case fetchErr.Kind == KindClient:
			return ClassDefect
		case fetchErr.Retryable():
			return ClassRetryable
		default:
			return ClassTerminal
		}
	}
	if errors.Is(err, ErrParse) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	return ClassTerminal
}

// ErrorKind returns the short kind recorded on failed results.
func ErrorKind(err error) string {
	var fetchErr *FetchError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fetchErr):
		return string(fetchErr.Kind)
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, context.DeadlineExceeded):
		return string(KindNetwork)
	default:
		return "unknown"
	}
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.StatusCode
	}
	return 0
}
