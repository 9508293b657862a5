package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/garagegate/internal/gate"
	"github.com/hitoshi/garagegate/internal/middleware"
	"github.com/hitoshi/garagegate/internal/model"
)

type routerSessionFinder struct {
	sessions map[string]string
}

func (f *routerSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	email, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return &model.Session{ID: id, Email: email, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type stubPinger struct {
	err error
}

func (p *stubPinger) PingContext(ctx context.Context) error { return p.err }

func newTestRouter(t *testing.T, perMinute int) (http.Handler, *mockGate) {
	t.Helper()

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(perMinute))
	t.Cleanup(limiter.Stop)

	g := &mockGate{}
	deps := &RouterDeps{
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		SessionFinder: &routerSessionFinder{sessions: map[string]string{
			"user-session":  testUser,
			"admin-session": testAdmin,
		}},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		HealthChecker:     &stubPinger{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
		AuthService: &mockAuthService{
			getLoginURLFn: func(state string) string { return "https://accounts.google.com/o/oauth2/auth?state=" + state },
			getCurrentPrincipalFn: func(ctx context.Context, sessionID string) (*model.Principal, error) {
				return &model.Principal{Email: testUser}, nil
			},
		},
		Access: &mockAccessChecker{
			admins:     map[string]bool{testAdmin: true},
			authorized: map[string]bool{testUser: true, testAdmin: true},
		},
		AuthConfig:         AuthHandlerConfig{BaseURL: "http://localhost:3000"},
		Gate:               g,
		Grants:             &stubGrants{expiresAt: time.Now().Add(time.Hour)},
		AdminAuthz:         &mockAdminAuthz{},
		CodeAdmin:          &mockCodeAdmin{},
		Activity:           &mockActivityReader{},
		DeviceHealth:       &stubDeviceHealth{},
		DefaultCodeTTLHour: 24,
	}
	return NewRouter(deps), g
}

func TestNewRouter_RouteAccess(t *testing.T) {
	router, _ := newTestRouter(t, 1000)

	tests := []struct {
		name       string
		method     string
		path       string
		session    string
		csrf       bool
		wantStatus int
	}{
		{"health", http.MethodGet, "/health", "", false, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", false, http.StatusOK},
		{"csrf token", http.MethodGet, "/api/csrf-token", "", false, http.StatusOK},
		{"login", http.MethodGet, "/auth/google/login", "", false, http.StatusTemporaryRedirect},
		{"me without session", http.MethodGet, "/auth/me", "", false, http.StatusUnauthorized},
		{"me with session", http.MethodGet, "/auth/me", "user-session", false, http.StatusOK},
		{"status without session", http.MethodGet, "/api/garage/status", "", false, http.StatusUnauthorized},
		{"status with session", http.MethodGet, "/api/garage/status", "user-session", false, http.StatusOK},
		{"control without csrf", http.MethodPost, "/api/garage/control", "user-session", false, http.StatusForbidden},
		{"control without grant", http.MethodPost, "/api/garage/control", "user-session", true, http.StatusForbidden},
		{"admin route as user", http.MethodGet, "/api/admin/users", "user-session", false, http.StatusForbidden},
		{"admin route as admin", http.MethodGet, "/api/admin/users", "admin-session", false, http.StatusOK},
		{"admin route without session", http.MethodGet, "/api/admin/users", "", false, http.StatusUnauthorized},
		{"logout without csrf", http.MethodPost, "/auth/logout", "user-session", false, http.StatusForbidden},
		{"logout with csrf", http.MethodPost, "/auth/logout", "user-session", true, http.StatusNoContent},
		{"unknown route", http.MethodGet, "/api/unknown", "", false, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.method == http.MethodPost {
				body = strings.NewReader(`{"location":{"latitude":47.37,"longitude":8.54}}`)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.session != "" {
				req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: tt.session})
			}
			if tt.csrf {
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "router-test-token"})
				req.Header.Set("X-CSRF-Token", "router-test-token")
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestNewRouter_VerifyThenControl(t *testing.T) {
	router, g := newTestRouter(t, 1000)

	var commands int
	g.requestDeviceCommandFn = func(ctx context.Context, p model.Principal, loc *model.GeoPoint) (*gate.CommandResult, error) {
		commands++
		return &gate.CommandResult{Device: model.DeviceCommandResult{Success: true, Status: model.DoorOpen}}, nil
	}

	withAuth := func(req *http.Request) *http.Request {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "user-session"})
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok"})
		req.Header.Set("X-CSRF-Token", "tok")
		return req
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, withAuth(httptest.NewRequest(http.MethodPost, "/api/access/verify-code",
		strings.NewReader(`{"email":"user@example.com","code":"ABCD2345"}`))))
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", w.Code, w.Body.String())
	}
	grant := findResponseCookie(w.Result(), grantCookieName)
	if grant == nil {
		t.Fatal("expected grant cookie")
	}

	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/garage/control",
		strings.NewReader(`{"location":{"latitude":47.37,"longitude":8.54}}`)))
	req.AddCookie(&http.Cookie{Name: grantCookieName, Value: grant.Value})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("control status = %d, body = %s", w.Code, w.Body.String())
	}
	if commands != 1 {
		t.Errorf("device commands = %d, want 1", commands)
	}
}

func TestNewRouter_SecurityHeadersAndCORS(t *testing.T) {
	router, _ := newTestRouter(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestNewRouter_GeneralRateLimit(t *testing.T) {
	router, _ := newTestRouter(t, 2)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/garage/status", nil)
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "user-session"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want %d", last, http.StatusTooManyRequests)
	}

	// ヘルスチェックはレート制限の対象外
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
		}
	}
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	h := NewHealthHandler(&stubPinger{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHealthHandler_NoChecker(t *testing.T) {
	h := NewHealthHandler(nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
