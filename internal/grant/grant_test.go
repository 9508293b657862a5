package grant

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	token, expiresAt, err := iss.Issue("u@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Errorf("expiresAt = %v, want future", expiresAt)
	}

	email, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if email != "u@x.com" {
		t.Errorf("email = %q, want u@x.com", email)
	}
}

func TestVerify_Expired(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	iss := NewIssuer("secret", time.Hour).WithClock(func() time.Time { return now })

	token, _, err := iss.Issue("u@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	now = start.Add(2 * time.Hour)

	if _, err := iss.Verify(token); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	token, _, err := NewIssuer("secret", time.Hour).Issue("u@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewIssuer("other", time.Hour).Verify(token); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
}

func TestVerify_Tampered(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	token, _, err := iss.Issue("u@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other, _, err := iss.Issue("admin@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	// 別トークンのペイロードに差し替えると署名が一致しない
	parts := strings.Split(token, ".")
	parts[1] = strings.Split(other, ".")[1]
	if _, err := iss.Verify(strings.Join(parts, ".")); err == nil {
		t.Fatal("tampered token should be rejected")
	}
	if _, err := iss.Verify("garbage"); err == nil {
		t.Fatal("garbage should be rejected")
	}
}
