package accesscode

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/garagegate/internal/audit"
	"github.com/hitoshi/garagegate/internal/model"
	"github.com/hitoshi/garagegate/internal/repository"
	"github.com/hitoshi/garagegate/internal/repository/memory"
)

const testEmail = "u@x.com"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *memory.Store, *fakeClock) {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	if _, err := store.AddWhitelist(context.Background(), testEmail, "admin@x.com", clock.Now()); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}
	m := NewManager(store, store, NewHasher("test-secret"), audit.NewRecorder(store, nil), nil, WithClock(clock.Now))
	return m, store, clock
}

func claimReason(t *testing.T, err error) model.ClaimFailure {
	t.Helper()
	var ce *ClaimError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ClaimError, got %v", err)
	}
	if model.ErrorCode(err) != model.ErrCodeInvalidCode {
		t.Fatalf("external code = %q, want INVALID_CODE", model.ErrorCode(err))
	}
	return ce.Reason
}

func TestGenerateCode_FormatAndRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.GenerateCode(ctx, testEmail, 24, "admin@x.com")
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`).MatchString(issued.Code) {
		t.Errorf("code %q has unexpected format", issued.Code)
	}

	if err := m.ValidateAndUseCode(ctx, testEmail, issued.Code); err != nil {
		t.Fatalf("first validation: %v", err)
	}
	err = m.ValidateAndUseCode(ctx, testEmail, issued.Code)
	if got := claimReason(t, err); got != model.ClaimAlreadyUsed {
		t.Errorf("reason = %q, want already_used", got)
	}
}

func TestGenerateCode_ExpiryFollowsTTL(t *testing.T) {
	m, _, clock := newTestManager(t)

	issued, err := m.GenerateCode(context.Background(), testEmail, 5, "admin@x.com")
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if want := clock.Now().Add(5 * time.Hour); !issued.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", issued.ExpiresAt, want)
	}
}

func TestGenerateCode_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		email string
		ttl   int
	}{
		{"bad email", "nope", 24},
		{"ttl zero", testEmail, 0},
		{"ttl too long", testEmail, 169},
		{"not whitelisted", "stranger@x.com", 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.GenerateCode(ctx, tt.email, tt.ttl, "admin@x.com")
			if model.ErrorCode(err) != model.ErrCodeValidation {
				t.Errorf("error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}

func TestGenerateCode_RejectionsAreAudited(t *testing.T) {
	tests := []struct {
		name   string
		email  string
		ttl    int
		reason string
	}{
		{"bad email", "not-an-email", 24, "invalid_email"},
		{"ttl zero", testEmail, 0, "invalid_ttl"},
		{"ttl too long", testEmail, 169, "invalid_ttl"},
		{"not whitelisted", "stranger@x.com", 24, "not_whitelisted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _ := newTestManager(t)
			ctx := context.Background()

			if _, err := m.GenerateCode(ctx, tt.email, tt.ttl, "admin@x.com"); err == nil {
				t.Fatal("expected error")
			}

			events, err := store.ListSince(ctx, time.Time{}, 100)
			if err != nil {
				t.Fatalf("ListSince: %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("events = %d, want 1", len(events))
			}
			e := events[0]
			if e.Action != model.ActionCodeGenerate || e.Outcome != model.OutcomeDenied || e.Details["reason"] != tt.reason {
				t.Errorf("event = %+v, want denied code_generate with reason %q", e, tt.reason)
			}
		})
	}
}

// failingLookup は認可レコードの参照でerrを返す。
type failingLookup struct {
	repository.AuthorizationRepository
	err error
}

func (f *failingLookup) FindByEmail(context.Context, string) (*model.AuthorizationRecord, error) {
	return nil, f.err
}

func TestGenerateCode_LookupFailureIsAudited(t *testing.T) {
	store := memory.New()
	lookupErr := errors.New("connection reset")
	m := NewManager(store, &failingLookup{AuthorizationRepository: store, err: lookupErr},
		NewHasher("test-secret"), audit.NewRecorder(store, nil), nil)
	ctx := context.Background()

	if _, err := m.GenerateCode(ctx, testEmail, 24, "admin@x.com"); !errors.Is(err, lookupErr) {
		t.Fatalf("err = %v, want wrapped lookup error", err)
	}

	events, err := store.ListSince(ctx, time.Time{}, 100)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != model.OutcomeFailure {
		t.Fatalf("events = %+v, want one failure event", events)
	}
}

func TestGenerateCode_ActiveCodeIsConflict(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.GenerateCode(ctx, testEmail, 24, "admin@x.com"); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	_, err := m.GenerateCode(ctx, testEmail, 24, "admin@x.com")
	if model.ErrorCode(err) != model.ErrCodeConflict {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
}

func TestGenerateCode_AfterExpiryAllowsNewCode(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	if _, err := m.GenerateCode(ctx, testEmail, 1, "admin@x.com"); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := m.GenerateCode(ctx, testEmail, 1, "admin@x.com"); err != nil {
		t.Fatalf("GenerateCode after expiry: %v", err)
	}
}

func TestGenerateCode_ConcurrentOnlyOneSucceeds(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GenerateCode(ctx, testEmail, 24, "admin@x.com")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflict int
	for err := range errs {
		switch model.ErrorCode(err) {
		case "":
			ok++
		case model.ErrCodeConflict:
			conflict++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != callers-1 {
		t.Errorf("success = %d conflict = %d, want 1 and %d", ok, conflict, callers-1)
	}
}

func TestValidateAndUseCode_ConcurrentExactlyOnce(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.GenerateCode(ctx, testEmail, 24, "admin@x.com")
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.ValidateAndUseCode(ctx, testEmail, issued.Code)
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("successful claims = %d, want 1", ok)
	}
}

func TestValidateAndUseCode_Reasons(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	issued, err := m.GenerateCode(ctx, testEmail, 1, "admin@x.com")
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	if got := claimReason(t, m.ValidateAndUseCode(ctx, testEmail, "AAAA-BBBB-CCCC")); got != model.ClaimWrongCode {
		t.Errorf("wrong code reason = %q", got)
	}
	if got := claimReason(t, m.ValidateAndUseCode(ctx, testEmail, "short")); got != model.ClaimMalformed {
		t.Errorf("malformed reason = %q", got)
	}
	if got := claimReason(t, m.ValidateAndUseCode(ctx, "other@x.com", issued.Code)); got != model.ClaimWrongCode {
		t.Errorf("other email reason = %q", got)
	}

	clock.Advance(time.Hour)
	if got := claimReason(t, m.ValidateAndUseCode(ctx, testEmail, issued.Code)); got != model.ClaimExpired {
		t.Errorf("expired reason = %q", got)
	}
}

func TestValidateAndUseCode_AcceptsLowercaseWithoutDashes(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.GenerateCode(ctx, testEmail, 24, "admin@x.com")
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	raw := issued.Code[0:4] + issued.Code[5:9] + issued.Code[10:14]
	if err := m.ValidateAndUseCode(ctx, " U@X.COM ", " "+toLower(raw)+" "); err != nil {
		t.Fatalf("ValidateAndUseCode: %v", err)
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func TestCleanupExpired_KeepsRecentHistory(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	issued, err := m.GenerateCode(ctx, testEmail, 1, "admin@x.com")
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := m.ValidateAndUseCode(ctx, testEmail, issued.Code); err != nil {
		t.Fatalf("ValidateAndUseCode: %v", err)
	}

	clock.Advance(24 * time.Hour)
	if n := m.CleanupExpired(ctx); n != 0 {
		t.Errorf("deleted = %d within retention, want 0", n)
	}

	clock.Advance(7 * 24 * time.Hour)
	if n := m.CleanupExpired(ctx); n != 1 {
		t.Errorf("deleted = %d after retention, want 1", n)
	}

	var cleanups int
	for _, e := range store.Events() {
		if e.Action == model.ActionCodeCleanup {
			cleanups++
		}
	}
	if cleanups != 2 {
		t.Errorf("cleanup events = %d, want 2", cleanups)
	}
}

func TestHasActiveCodeAndStats(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	if active, _ := m.HasActiveCode(ctx, testEmail); active {
		t.Error("no code issued yet")
	}
	if _, err := m.GenerateCode(ctx, testEmail, 1, "admin@x.com"); err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if active, _ := m.HasActiveCode(ctx, testEmail); !active {
		t.Error("expected active code")
	}

	clock.Advance(2 * time.Hour)
	stats, err := m.GetCodeStats(ctx)
	if err != nil {
		t.Fatalf("GetCodeStats: %v", err)
	}
	if stats.Active != 0 || stats.Expired != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHasher_BindsEmail(t *testing.T) {
	h := NewHasher("secret")
	if h.Hash("a@x.com", "AAAA-BBBB-CCCC") == h.Hash("b@x.com", "AAAA-BBBB-CCCC") {
		t.Error("hash must depend on email")
	}
	if len(h.Hash("a@x.com", "AAAA-BBBB-CCCC")) != 64 {
		t.Error("hash must be 64 hex characters")
	}
	if NewHasher("other").Hash("a@x.com", "AAAA-BBBB-CCCC") == h.Hash("a@x.com", "AAAA-BBBB-CCCC") {
		t.Error("hash must depend on secret")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ABCD-EFGH-JKLM", "ABCD-EFGH-JKLM", true},
		{"abcdefghjklm", "ABCD-EFGH-JKLM", true},
		{" abcd-efgh-jklm ", "ABCD-EFGH-JKLM", true},
		{"ABCD-EFGH-JKL0", "", false},
		{"ABCD-EFGH", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Normalize(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Normalize(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
