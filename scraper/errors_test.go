package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "service unavailable", err: nil, statusCode: http.StatusServiceUnavailable, expected: "server_error"},
		{name: "bad gateway", err: nil, statusCode: http.StatusBadGateway, expected: "server_error"},
		{name: "gone", err: nil, statusCode: http.StatusGone, expected: "other"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestErrorTypeLabelUnwrapsWrappers(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "fetch error keeps cause",
			err:      &FetchError{URL: "http://example.test/ilan/1", Attempts: 4, Err: ErrServerError{Err: errors.New("http status 503")}},
			expected: "server_error",
		},
		{
			name:     "automation",
			err:      &AutomationError{Op: "apply filter", Err: errors.New("no input")},
			expected: "automation",
		},
		{
			name:     "sink",
			err:      &SinkWriteError{Err: errors.New("disk full")},
			expected: "sink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(tt.err); got != tt.expected {
				t.Fatalf("errorTypeLabel(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestAutomationErrorMessage(t *testing.T) {
	err := &AutomationError{Op: "load search page", Page: 3, Err: errors.New("timeout")}
	if got, want := err.Error(), "automation load search page (page 3): timeout"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
