package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "network", err: NewNetworkError("http://x", errors.New("connection reset")), want: ClassRetryable},
		{name: "server error", err: NewHTTPError("http://x", 503, nil), want: ClassRetryable},
		{name: "too many requests", err: NewHTTPError("http://x", 429, nil), want: ClassRetryable},
		{name: "request timeout", err: NewHTTPError("http://x", 408, nil), want: ClassRetryable},
		{name: "not found", err: NewHTTPError("http://x", 404, nil), want: ClassTerminal},
		{name: "forbidden", err: NewHTTPError("http://x", 403, nil), want: ClassTerminal},
		{name: "client", err: NewClientError("", errors.New("empty identifier")), want: ClassDefect},
		{name: "parse", err: &ParseError{Reason: ReasonSchemaMismatch}, want: ClassRetryable},
		{name: "wrapped parse", err: fmt.Errorf("parse page: %w", &ParseError{Reason: ReasonNonNumeric}), want: ClassRetryable},
		{name: "cancelled", err: fmt.Errorf("%w: %w", ErrCancelled, context.Canceled), want: ClassCancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassRetryable},
		{name: "unknown", err: errors.New("boom"), want: ClassTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestFetchErrorMatchesSentinels(t *testing.T) {
	t.Parallel()

	cause := context.DeadlineExceeded
	err := fmt.Errorf("fetch: %w", NewNetworkError("http://example.test/1", cause))
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrHTTP)

	httpErr := NewHTTPError("http://example.test/2", 500, errors.New("Internal Server Error"))
	require.ErrorIs(t, httpErr, ErrHTTP)
	require.Equal(t, "http error (status 500) fetching http://example.test/2: Internal Server Error", httpErr.Error())
	require.Equal(t, 500, StatusCode(httpErr))
	require.Equal(t, "http", ErrorKind(httpErr))
}

func TestParseAndCheckpointErrors(t *testing.T) {
	t.Parallel()

	parseErr := &ParseError{Reason: ReasonNonNumeric, Detail: `"N/A"`}
	require.ErrorIs(t, parseErr, ErrParse)
	require.Equal(t, `parse error: non-numeric: "N/A"`, parseErr.Error())
	require.Equal(t, "parse", ErrorKind(parseErr))

	ioErr := &CheckpointIOError{Op: "write", Err: errors.New("disk full")}
	require.ErrorIs(t, ioErr, ErrCheckpointIO)
	require.Equal(t, "checkpoint write: disk full", ioErr.Error())
}
