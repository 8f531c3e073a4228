package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestOpErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")
	withSource := NewTransientError("poll", "prtg-main", cause)
	if got, want := withSource.Error(), "poll failed on prtg-main: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	noSource := NewTransientError("poll", "", cause)
	if got, want := noSource.Error(), "poll failed: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestOpErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("bad json")
	err := NewValidationError("webhook", "generic", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable through errors.Is")
	}

	// Helpers still classify when the OpError is itself wrapped again
	outer := fmt.Errorf("ingest: %w", err)
	if !IsValidation(outer) {
		t.Error("IsValidation lost through an extra wrap")
	}
	if IsRetryable(outer) {
		t.Error("validation errors are not retryable")
	}
}

func TestKindPredicates(t *testing.T) {
	cases := []struct {
		name string
		err  error
		pred func(error) bool
		want bool
	}{
		{"transient is retryable", NewTransientError("poll", "prtg", errors.New("timeout")), IsRetryable, true},
		{"worker is not retryable", NewWorkerError("job.run", "scheduler", errors.New("boom")), IsRetryable, false},
		{"auth detected", NewAuthError("poll", "prtg", http.StatusUnauthorized), IsAuthError, true},
		{"auth is retryable after credential fix", NewAuthError("poll", "prtg", http.StatusUnauthorized), IsRetryable, true},
		{"mapping miss detected", NewMappingMissError("normalize", "snmp", "1.3.6.1.4.1.9999"), IsMappingMiss, true},
		{"mapping miss is not validation", NewMappingMissError("normalize", "snmp", "x"), IsValidation, false},
		{"conflict detected", NewConflictError("save", "store", errors.New("unique index")), IsConflict, true},
		{"bare timeout sentinel retryable", ErrTimeout, IsRetryable, true},
		{"bare invalid input is validation", fmt.Errorf("parse: %w", ErrInvalidInput), IsValidation, true},
		{"plain error matches nothing", errors.New("plain"), IsRetryable, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pred(tc.err); got != tc.want {
				t.Errorf("predicate = %v, want %v (err: %v)", got, tc.want, tc.err)
			}
		})
	}
}

func TestMappingMissCarriesValue(t *testing.T) {
	err := NewMappingMissError("normalize", "snmp-traps", "1.3.6.1.4.1.562.0.44")
	if !errors.Is(err, ErrMappingMiss) {
		t.Error("sentinel not in chain")
	}
	if msg := err.Error(); !strings.Contains(msg, "1.3.6.1.4.1.562.0.44") {
		t.Errorf("unmapped value missing from %q", msg)
	}
}

func TestWrapHTTPError(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, true},
		{http.StatusForbidden, KindAuth, true},
		{http.StatusNotFound, KindValidation, false},
		{http.StatusTooManyRequests, KindValidation, false},
		{http.StatusInternalServerError, KindTransient, true},
		{http.StatusBadGateway, KindTransient, true},
	}
	for _, tc := range cases {
		err := WrapHTTPError("poll", "prtg", tc.status, "body")
		if err.Kind != tc.kind {
			t.Errorf("status %d: kind = %s, want %s", tc.status, err.Kind, tc.kind)
		}
		if err.Retryable != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, err.Retryable, tc.retryable)
		}
		if err.StatusCode != tc.status {
			t.Errorf("status %d not preserved, got %d", tc.status, err.StatusCode)
		}
	}
}

func TestOpErrorKindMatching(t *testing.T) {
	err := NewOverflowError("enqueue", "trap-receiver")
	if !errors.Is(err, ErrQueueFull) {
		t.Error("overflow should carry the queue-full sentinel")
	}
	// Two OpErrors compare by kind, not by cause
	if !errors.Is(err, &OpError{Kind: KindOverflow}) {
		t.Error("kind match failed")
	}
	if errors.Is(err, &OpError{Kind: KindTransient}) {
		t.Error("mismatched kinds should not compare equal")
	}
}
