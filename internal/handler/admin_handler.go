package handler

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/garagegate/internal/authz"
	"github.com/hitoshi/garagegate/internal/model"
)

const (
	activityLogWindow   = 7 * 24 * time.Hour
	activeUsersWindow   = 24 * time.Hour
	defaultActivityRows = 100
	maxActivityRows     = 1000
)

// AdminAuthzInterface は認可状態と設定の管理操作。authz.Serviceが実装する。
type AdminAuthzInterface interface {
	ListUsers(ctx context.Context) ([]*model.AuthorizationRecord, error)
	ListBlacklist(ctx context.Context) ([]*model.AuthorizationRecord, error)
	AddWhitelist(ctx context.Context, email, actor string) error
	RemoveWhitelist(ctx context.Context, email, actor string) error
	AddBlacklist(ctx context.Context, email, actor, reason string) error
	RemoveBlacklist(ctx context.Context, email, actor string) error
	GetSettings(ctx context.Context) (*model.Settings, error)
	UpdateSettings(ctx context.Context, update authz.SettingsUpdate, actor string) (*model.Settings, error)
}

// CodeAdminInterface はアクセスコードの管理操作。accesscode.Managerが実装する。
type CodeAdminInterface interface {
	GenerateCode(ctx context.Context, email string, ttlHours int, actor string) (*model.IssuedCode, error)
	GetCodeStats(ctx context.Context) (model.CodeStats, error)
	CleanupExpired(ctx context.Context) int64
}

// ActivityReader は監査イベントの参照。repository.ActivityRepositoryの部分集合。
type ActivityReader interface {
	ListSince(ctx context.Context, since time.Time, limit int) ([]*model.ActivityEvent, error)
	DistinctActorsSince(ctx context.Context, since time.Time) ([]string, error)
}

// DeviceHealthChecker はデバイスAPIの死活確認。device.Controllerが実装する。
type DeviceHealthChecker interface {
	HealthCheck(ctx context.Context) model.DeviceHealth
}

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	authz          AdminAuthzInterface
	codes          CodeAdminInterface
	activity       ActivityReader
	device         DeviceHealthChecker
	defaultTTLHour int
	now            func() time.Time
}

// NewAdminHandler はAdminHandlerを生成する。defaultTTLHoursはttl_hours省略時のコード有効期間。
func NewAdminHandler(a AdminAuthzInterface, codes CodeAdminInterface, activity ActivityReader, dev DeviceHealthChecker, defaultTTLHours int) *AdminHandler {
	return &AdminHandler{
		authz:          a,
		codes:          codes,
		activity:       activity,
		device:         dev,
		defaultTTLHour: defaultTTLHours,
		now:            time.Now,
	}
}

type authorizationResponse struct {
	Email           string     `json:"email"`
	Whitelisted     bool       `json:"whitelisted"`
	Blacklisted     bool       `json:"blacklisted"`
	BlacklistReason string     `json:"blacklist_reason,omitempty"`
	WhitelistedBy   string     `json:"whitelisted_by,omitempty"`
	WhitelistedAt   *time.Time `json:"whitelisted_at,omitempty"`
	BlacklistedAt   *time.Time `json:"blacklisted_at,omitempty"`
}

func toAuthorizationResponses(records []*model.AuthorizationRecord) []authorizationResponse {
	out := make([]authorizationResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, authorizationResponse{
			Email:           rec.Email,
			Whitelisted:     rec.Whitelisted,
			Blacklisted:     rec.Blacklisted,
			BlacklistReason: rec.BlacklistReason,
			WhitelistedBy:   rec.WhitelistedBy,
			WhitelistedAt:   rec.WhitelistedAt,
			BlacklistedAt:   rec.BlacklistedAt,
		})
	}
	return out
}

// ListUsers はホワイトリストを返す。
// GET /api/admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	records, err := h.authz.ListUsers(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": toAuthorizationResponses(records)})
}

type emailRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason,omitempty"`
}

// AddUser はホワイトリストに登録する。
// POST /api/admin/users
func (h *AdminHandler) AddUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.authz.AddWhitelist(r.Context(), req.Email, actor.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// RemoveUser はホワイトリスト登録を解除する。有効なコードも失効する。
// DELETE /api/admin/users/{email}
func (h *AdminHandler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := h.authz.RemoveWhitelist(r.Context(), emailParam(r), actor.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBlacklist はブラックリストを返す。
// GET /api/admin/blacklist
func (h *AdminHandler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	records, err := h.authz.ListBlacklist(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blacklist": toAuthorizationResponses(records)})
}

// AddBlacklist はブラックリストに登録する。
// POST /api/admin/blacklist
func (h *AdminHandler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.authz.AddBlacklist(r.Context(), req.Email, actor.Email, req.Reason); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// RemoveBlacklist はブラックリスト登録を解除する。
// DELETE /api/admin/blacklist/{email}
func (h *AdminHandler) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := h.authz.RemoveBlacklist(r.Context(), emailParam(r), actor.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateCodeRequest struct {
	Email    string `json:"email"`
	TTLHours *int   `json:"ttl_hours,omitempty"`
}

type generateCodeResponse struct {
	Code      string    `json:"code"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateCode はアクセスコードを発行する。平文のコードはこのレスポンスでのみ返す。
// POST /api/admin/codes
func (h *AdminHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req generateCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	ttl := h.defaultTTLHour
	if req.TTLHours != nil {
		ttl = *req.TTLHours
	}

	issued, err := h.codes.GenerateCode(r.Context(), req.Email, ttl, actor.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, generateCodeResponse{
		Code:      issued.Code,
		Email:     issued.Email,
		ExpiresAt: issued.ExpiresAt.UTC(),
	})
}

type codeStatsResponse struct {
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Used    int `json:"used"`
}

// CodeStats はコードの状態別件数を返す。
// GET /api/admin/codes/stats
func (h *AdminHandler) CodeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.codes.GetCodeStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codeStatsResponse(stats))
}

// CleanupCodes は保持期間を過ぎた使用済み・期限切れコードを削除する。
// POST /api/admin/codes/cleanup
func (h *AdminHandler) CleanupCodes(w http.ResponseWriter, r *http.Request) {
	deleted := h.codes.CleanupExpired(r.Context())
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

type settingsResponse struct {
	MaintenanceMode   bool       `json:"maintenance_mode"`
	MaxDistanceMeters float64    `json:"max_distance_meters"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
	UpdatedBy         string     `json:"updated_by,omitempty"`
}

func toSettingsResponse(s *model.Settings) settingsResponse {
	resp := settingsResponse{
		MaintenanceMode:   s.MaintenanceMode,
		MaxDistanceMeters: s.MaxDistanceMeters,
		UpdatedBy:         s.UpdatedBy,
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt.UTC()
		resp.UpdatedAt = &t
	}
	return resp
}

// GetSettings はシステム設定を返す。
// GET /api/admin/settings
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.authz.GetSettings(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(s))
}

type updateSettingsRequest struct {
	MaintenanceMode   *bool    `json:"maintenance_mode,omitempty"`
	MaxDistanceMeters *float64 `json:"max_distance_meters,omitempty"`
}

// UpdateSettings はシステム設定を部分更新する。
// PUT /api/admin/settings
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req updateSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	s, err := h.authz.UpdateSettings(r.Context(), authz.SettingsUpdate{
		MaintenanceMode:   req.MaintenanceMode,
		MaxDistanceMeters: req.MaxDistanceMeters,
	}, actor.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(s))
}

// GetMaintenance はメンテナンスモードの状態を返す。
// GET /api/admin/maintenance
func (h *AdminHandler) GetMaintenance(w http.ResponseWriter, r *http.Request) {
	s, err := h.authz.GetSettings(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.MaintenanceMode})
}

// SetMaintenance はメンテナンスモードを切り替える。
// PUT /api/admin/maintenance
func (h *AdminHandler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Enabled == nil {
		handleServiceError(w, model.NewValidationError("enabledを指定してください"))
		return
	}
	s, err := h.authz.UpdateSettings(r.Context(), authz.SettingsUpdate{MaintenanceMode: req.Enabled}, actor.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.MaintenanceMode})
}

type activityEventResponse struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Target    string            `json:"target"`
	Outcome   string            `json:"outcome"`
	Details   map[string]string `json:"details,omitempty"`
}

// ActivityLog は直近7日間の監査イベントを新しい順に返す。
// GET /api/admin/activity-log?limit=100
func (h *AdminHandler) ActivityLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityRows
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxActivityRows {
			handleServiceError(w, model.NewValidationError("limitは1から1000の整数で指定してください"))
			return
		}
		limit = n
	}

	events, err := h.activity.ListSince(r.Context(), h.now().Add(-activityLogWindow), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	out := make([]activityEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, activityEventResponse{
			ID:        e.ID,
			Timestamp: e.Timestamp.UTC(),
			Actor:     e.Actor,
			Action:    e.Action,
			Target:    e.Target,
			Outcome:   e.Outcome,
			Details:   e.Details,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ActiveUsers は直近24時間に操作を行った利用者を返す。システムによる操作は除く。
// GET /api/admin/active-users
func (h *AdminHandler) ActiveUsers(w http.ResponseWriter, r *http.Request) {
	actors, err := h.activity.DistinctActorsSince(r.Context(), h.now().Add(-activeUsersWindow))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	users := make([]string, 0, len(actors))
	for _, a := range actors {
		if a != "" && a != model.SystemActor {
			users = append(users, a)
		}
	}
	sort.Strings(users)
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

type systemHealthResponse struct {
	Device struct {
		Healthy        bool             `json:"healthy"`
		Status         model.DoorStatus `json:"status"`
		ResponseTimeMs int64            `json:"response_time_ms"`
		LastChecked    time.Time        `json:"last_checked"`
		Error          string           `json:"error,omitempty"`
	} `json:"device"`
	Codes           codeStatsResponse `json:"codes"`
	MaintenanceMode bool              `json:"maintenance_mode"`
}

// SystemHealth はデバイスの死活とコードの集計をまとめて返す。
// GET /api/admin/system-health
func (h *AdminHandler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.codes.GetCodeStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	settings, err := h.authz.GetSettings(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	health := h.device.HealthCheck(r.Context())

	var resp systemHealthResponse
	resp.Device.Healthy = health.Healthy
	resp.Device.Status = health.Status
	resp.Device.ResponseTimeMs = health.ResponseTime.Milliseconds()
	resp.Device.LastChecked = health.LastChecked.UTC()
	resp.Device.Error = health.Error
	resp.Codes = codeStatsResponse(stats)
	resp.MaintenanceMode = settings.MaintenanceMode

	writeJSON(w, http.StatusOK, resp)
}

// emailParam はURLパスのメールアドレスを取り出す。
func emailParam(r *http.Request) string {
	raw := chi.URLParam(r, "email")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}
