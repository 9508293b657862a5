package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/garagegate/internal/authz"
	"github.com/hitoshi/garagegate/internal/device"
	"github.com/hitoshi/garagegate/internal/gate"
	"github.com/hitoshi/garagegate/internal/middleware"
	"github.com/hitoshi/garagegate/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn         func(state string) string
	handleCallbackFn      func(ctx context.Context, code string) (*model.Session, error)
	logoutFn              func(ctx context.Context, sessionID string) error
	getCurrentPrincipalFn func(ctx context.Context, sessionID string) (*model.Principal, error)
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) GetCurrentPrincipal(ctx context.Context, sessionID string) (*model.Principal, error) {
	if m.getCurrentPrincipalFn != nil {
		return m.getCurrentPrincipalFn(ctx, sessionID)
	}
	return nil, nil
}

type mockAccessChecker struct {
	admins     map[string]bool
	authorized map[string]bool
	err        error
}

func (m *mockAccessChecker) IsAdmin(email string) bool { return m.admins[email] }

func (m *mockAccessChecker) IsAuthorized(ctx context.Context, email string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.authorized[email], nil
}

type mockGate struct {
	requestAccessByCodeFn  func(ctx context.Context, p model.Principal, email, code string) error
	requestDeviceCommandFn func(ctx context.Context, p model.Principal, loc *model.GeoPoint) (*gate.CommandResult, error)
	checkLocationFn        func(ctx context.Context, p model.Principal, loc *model.GeoPoint) (*gate.LocationCheck, error)
	statusFn               func(ctx context.Context, p model.Principal) (device.StatusResult, error)

	// rejected は Reject に渡された "action:reason" を記録する。
	rejected []string
}

func (m *mockGate) Reject(ctx context.Context, p model.Principal, action, reason string, err error) error {
	m.rejected = append(m.rejected, action+":"+reason)
	return err
}

func (m *mockGate) RequestAccessByCode(ctx context.Context, p model.Principal, email, code string) error {
	if m.requestAccessByCodeFn != nil {
		return m.requestAccessByCodeFn(ctx, p, email, code)
	}
	return nil
}

func (m *mockGate) RequestDeviceCommand(ctx context.Context, p model.Principal, loc *model.GeoPoint) (*gate.CommandResult, error) {
	if m.requestDeviceCommandFn != nil {
		return m.requestDeviceCommandFn(ctx, p, loc)
	}
	return &gate.CommandResult{}, nil
}

func (m *mockGate) CheckLocation(ctx context.Context, p model.Principal, loc *model.GeoPoint) (*gate.LocationCheck, error) {
	if m.checkLocationFn != nil {
		return m.checkLocationFn(ctx, p, loc)
	}
	return &gate.LocationCheck{}, nil
}

func (m *mockGate) Status(ctx context.Context, p model.Principal) (device.StatusResult, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, p)
	}
	return device.StatusResult{}, nil
}

var errInvalidGrant = errors.New("invalid grant")

// stubGrants はトークン文字列をそのままメールアドレスとして扱う。
type stubGrants struct {
	expiresAt time.Time
	issueErr  error
}

func (s *stubGrants) Issue(email string) (string, time.Time, error) {
	if s.issueErr != nil {
		return "", time.Time{}, s.issueErr
	}
	return "grant:" + email, s.expiresAt, nil
}

func (s *stubGrants) Verify(token string) (string, error) {
	const prefix = "grant:"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", errInvalidGrant
	}
	return token[len(prefix):], nil
}

type mockAdminAuthz struct {
	listUsersFn       func(ctx context.Context) ([]*model.AuthorizationRecord, error)
	listBlacklistFn   func(ctx context.Context) ([]*model.AuthorizationRecord, error)
	addWhitelistFn    func(ctx context.Context, email, actor string) error
	removeWhitelistFn func(ctx context.Context, email, actor string) error
	addBlacklistFn    func(ctx context.Context, email, actor, reason string) error
	removeBlacklistFn func(ctx context.Context, email, actor string) error
	getSettingsFn     func(ctx context.Context) (*model.Settings, error)
	updateSettingsFn  func(ctx context.Context, update authz.SettingsUpdate, actor string) (*model.Settings, error)
}

func (m *mockAdminAuthz) ListUsers(ctx context.Context) ([]*model.AuthorizationRecord, error) {
	if m.listUsersFn != nil {
		return m.listUsersFn(ctx)
	}
	return nil, nil
}

func (m *mockAdminAuthz) ListBlacklist(ctx context.Context) ([]*model.AuthorizationRecord, error) {
	if m.listBlacklistFn != nil {
		return m.listBlacklistFn(ctx)
	}
	return nil, nil
}

func (m *mockAdminAuthz) AddWhitelist(ctx context.Context, email, actor string) error {
	if m.addWhitelistFn != nil {
		return m.addWhitelistFn(ctx, email, actor)
	}
	return nil
}

func (m *mockAdminAuthz) RemoveWhitelist(ctx context.Context, email, actor string) error {
	if m.removeWhitelistFn != nil {
		return m.removeWhitelistFn(ctx, email, actor)
	}
	return nil
}

func (m *mockAdminAuthz) AddBlacklist(ctx context.Context, email, actor, reason string) error {
	if m.addBlacklistFn != nil {
		return m.addBlacklistFn(ctx, email, actor, reason)
	}
	return nil
}

func (m *mockAdminAuthz) RemoveBlacklist(ctx context.Context, email, actor string) error {
	if m.removeBlacklistFn != nil {
		return m.removeBlacklistFn(ctx, email, actor)
	}
	return nil
}

func (m *mockAdminAuthz) GetSettings(ctx context.Context) (*model.Settings, error) {
	if m.getSettingsFn != nil {
		return m.getSettingsFn(ctx)
	}
	return &model.Settings{MaxDistanceMeters: 1000}, nil
}

func (m *mockAdminAuthz) UpdateSettings(ctx context.Context, update authz.SettingsUpdate, actor string) (*model.Settings, error) {
	if m.updateSettingsFn != nil {
		return m.updateSettingsFn(ctx, update, actor)
	}
	return &model.Settings{MaxDistanceMeters: 1000}, nil
}

type mockCodeAdmin struct {
	generateCodeFn   func(ctx context.Context, email string, ttlHours int, actor string) (*model.IssuedCode, error)
	getCodeStatsFn   func(ctx context.Context) (model.CodeStats, error)
	cleanupExpiredFn func(ctx context.Context) int64
}

func (m *mockCodeAdmin) GenerateCode(ctx context.Context, email string, ttlHours int, actor string) (*model.IssuedCode, error) {
	if m.generateCodeFn != nil {
		return m.generateCodeFn(ctx, email, ttlHours, actor)
	}
	return &model.IssuedCode{}, nil
}

func (m *mockCodeAdmin) GetCodeStats(ctx context.Context) (model.CodeStats, error) {
	if m.getCodeStatsFn != nil {
		return m.getCodeStatsFn(ctx)
	}
	return model.CodeStats{}, nil
}

func (m *mockCodeAdmin) CleanupExpired(ctx context.Context) int64 {
	if m.cleanupExpiredFn != nil {
		return m.cleanupExpiredFn(ctx)
	}
	return 0
}

type mockActivityReader struct {
	listSinceFn           func(ctx context.Context, since time.Time, limit int) ([]*model.ActivityEvent, error)
	distinctActorsSinceFn func(ctx context.Context, since time.Time) ([]string, error)
}

func (m *mockActivityReader) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.ActivityEvent, error) {
	if m.listSinceFn != nil {
		return m.listSinceFn(ctx, since, limit)
	}
	return nil, nil
}

func (m *mockActivityReader) DistinctActorsSince(ctx context.Context, since time.Time) ([]string, error) {
	if m.distinctActorsSinceFn != nil {
		return m.distinctActorsSinceFn(ctx, since)
	}
	return nil, nil
}

type stubDeviceHealth struct {
	health model.DeviceHealth
}

func (s *stubDeviceHealth) HealthCheck(ctx context.Context) model.DeviceHealth {
	return s.health
}

// withPrincipal はログイン済みの利用者をリクエストコンテキストに設定する。
func withPrincipal(r *http.Request, email string) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), model.Principal{Email: email}))
}
