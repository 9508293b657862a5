package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAPIError_ErrorFormat(t *testing.T) {
	err := NewInvalidCodeError()
	want := "[INVALID_CODE] " + err.Message
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorCode_UnwrapsWrappedAPIError(t *testing.T) {
	wrapped := fmt.Errorf("verify: %w", NewConflictError("already active"))
	if got := ErrorCode(wrapped); got != ErrCodeConflict {
		t.Errorf("ErrorCode = %q, want %q", got, ErrCodeConflict)
	}
}

func TestErrorCode_PlainErrorIsInternal(t *testing.T) {
	if got := ErrorCode(errors.New("boom")); got != ErrCodeInternal {
		t.Errorf("ErrorCode = %q, want %q", got, ErrCodeInternal)
	}
	if got := ErrorCode(nil); got != "" {
		t.Errorf("ErrorCode(nil) = %q, want empty", got)
	}
}

func TestNewRateLimitedError_CarriesRetryAfter(t *testing.T) {
	reset := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	err := NewRateLimitedError(reset)
	if !err.RetryAfter.Equal(reset) {
		t.Errorf("RetryAfter = %v, want %v", err.RetryAfter, reset)
	}
}

func TestAuthorizationRecord_Authorized(t *testing.T) {
	tests := []struct {
		name   string
		record *AuthorizationRecord
		want   bool
	}{
		{"nil", nil, false},
		{"whitelisted only", &AuthorizationRecord{Whitelisted: true}, true},
		{"whitelisted and blacklisted", &AuthorizationRecord{Whitelisted: true, Blacklisted: true}, false},
		{"blacklisted only", &AuthorizationRecord{Blacklisted: true}, false},
		{"neither", &AuthorizationRecord{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.Authorized(); got != tt.want {
				t.Errorf("Authorized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAccessCode_Active(t *testing.T) {
	now := time.Now()
	used := now.Add(-time.Minute)

	active := &AccessCode{ExpiresAt: now.Add(time.Hour)}
	if !active.Active(now) {
		t.Error("expected unused unexpired code to be active")
	}
	expired := &AccessCode{ExpiresAt: now.Add(-time.Second)}
	if expired.Active(now) {
		t.Error("expected expired code to be inactive")
	}
	consumed := &AccessCode{ExpiresAt: now.Add(time.Hour), UsedAt: &used}
	if consumed.Active(now) {
		t.Error("expected used code to be inactive")
	}
}
