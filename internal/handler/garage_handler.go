package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/garagegate/internal/device"
	"github.com/hitoshi/garagegate/internal/gate"
	"github.com/hitoshi/garagegate/internal/middleware"
	"github.com/hitoshi/garagegate/internal/model"
)

// grantCookieName はアクセスコード検証後に発行する許可トークンのCookie名。
const grantCookieName = "garage_grant"

// grantCookiePath は許可トークンを送信するパス。ガレージ操作APIに限定する。
const grantCookiePath = "/api/garage"

// GateInterface はガレージハンドラーが必要とする判定サービス。gate.Gateが実装する。
type GateInterface interface {
	RequestAccessByCode(ctx context.Context, principal model.Principal, email, code string) error
	RequestDeviceCommand(ctx context.Context, principal model.Principal, location *model.GeoPoint) (*gate.CommandResult, error)
	CheckLocation(ctx context.Context, principal model.Principal, location *model.GeoPoint) (*gate.LocationCheck, error)
	Status(ctx context.Context, principal model.Principal) (device.StatusResult, error)
	Reject(ctx context.Context, principal model.Principal, action, reason string, err error) error
}

// GrantIssuer はアクセス許可トークンを発行・検証する。grant.Issuerが実装する。
type GrantIssuer interface {
	Issue(email string) (string, time.Time, error)
	Verify(token string) (string, error)
}

// GarageHandlerConfig はガレージハンドラーの設定。
type GarageHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// GarageHandler はアクセスコード検証とガレージ操作のHTTPハンドラー。
type GarageHandler struct {
	gate   GateInterface
	grants GrantIssuer
	config GarageHandlerConfig
}

// NewGarageHandler はGarageHandlerを生成する。
func NewGarageHandler(g GateInterface, grants GrantIssuer, config GarageHandlerConfig) *GarageHandler {
	return &GarageHandler{gate: g, grants: grants, config: config}
}

type verifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type verifyCodeResponse struct {
	Verified       bool      `json:"verified"`
	GrantExpiresAt time.Time `json:"grant_expires_at"`
}

// VerifyCode はアクセスコードを検証し、成功時に許可トークンをCookieで発行する。
// POST /api/access/verify-code
func (h *GarageHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req verifyCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, h.gate.Reject(r.Context(), principal, model.ActionCodeVerify, "malformed_request", err))
		return
	}

	if err := h.gate.RequestAccessByCode(r.Context(), principal, req.Email, req.Code); err != nil {
		handleServiceError(w, err)
		return
	}

	token, expiresAt, err := h.grants.Issue(principal.Email)
	if err != nil {
		slog.Error("failed to issue access grant", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     grantCookieName,
		Value:    token,
		Path:     grantCookiePath,
		Domain:   h.config.CookieDomain,
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, verifyCodeResponse{Verified: true, GrantExpiresAt: expiresAt.UTC()})
}

type locationRequest struct {
	Location *model.GeoPoint `json:"location"`
}

type controlResponse struct {
	Success      bool             `json:"success"`
	Status       model.DoorStatus `json:"status"`
	Verified     bool             `json:"verified"`
	AlreadyOpen  bool             `json:"already_open"`
	DistanceM    float64          `json:"distance_m"`
	Attempts     int              `json:"attempts"`
	ErrorMessage string           `json:"error,omitempty"`
}

// Control は位置を確認してガレージを開ける。アクセスコード検証済みの許可トークンが必要。
// POST /api/garage/control
func (h *GarageHandler) Control(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !h.hasValidGrant(r, principal) {
		handleServiceError(w, h.gate.Reject(r.Context(), principal, model.ActionGarageOpen, "grant_missing", model.NewAccessCodeRequiredError()))
		return
	}

	var req locationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, h.gate.Reject(r.Context(), principal, model.ActionGarageOpen, "malformed_request", err))
		return
	}

	result, err := h.gate.RequestDeviceCommand(r.Context(), principal, req.Location)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, controlResponse{
		Success:      result.Device.Success,
		Status:       result.Device.Status,
		Verified:     result.Device.Verified,
		AlreadyOpen:  result.Device.AlreadyOpen,
		DistanceM:    result.Distance,
		Attempts:     result.Device.Attempts,
		ErrorMessage: result.Device.Error,
	})
}

type statusResponse struct {
	OK       bool             `json:"ok"`
	Status   model.DoorStatus `json:"status"`
	IsOpen   bool             `json:"is_open"`
	Failure  string           `json:"failure,omitempty"`
	Attempts int              `json:"attempts"`
}

// Status は扉の状態を返す。デバイスに到達できない場合もUnknownとして200で返す。
// GET /api/garage/status
func (h *GarageHandler) Status(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	st, err := h.gate.Status(r.Context(), principal)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		OK:       st.OK,
		Status:   st.Status,
		IsOpen:   st.IsOpen,
		Failure:  string(st.Failure),
		Attempts: st.Attempts,
	})
}

type checkLocationResponse struct {
	Allowed     bool    `json:"allowed"`
	InRegion    bool    `json:"in_region"`
	Distance    float64 `json:"distance_m"`
	MaxDistance float64 `json:"max_distance_m"`
	Accuracy    string  `json:"accuracy"`
}

// CheckLocation は操作せずにジオフェンス判定の結果を返す。
// POST /api/garage/check-location
func (h *GarageHandler) CheckLocation(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req locationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	check, err := h.gate.CheckLocation(r.Context(), principal, req.Location)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, checkLocationResponse{
		Allowed:     check.Allowed && check.InRegion,
		InRegion:    check.InRegion,
		Distance:    check.Distance,
		MaxDistance: check.MaxDistance,
		Accuracy:    check.Accuracy,
	})
}

// hasValidGrant は許可トークンが有効で、ログイン中の利用者に発行されたものかを返す。
func (h *GarageHandler) hasValidGrant(r *http.Request, principal model.Principal) bool {
	cookie, err := r.Cookie(grantCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	email, err := h.grants.Verify(cookie.Value)
	if err != nil {
		slog.Warn("access grant rejected",
			slog.String("email", principal.Email),
			slog.String("error", err.Error()),
		)
		return false
	}
	return email == principal.Email
}

// clearGrantCookie は許可トークンのCookieを削除する。
func clearGrantCookie(w http.ResponseWriter, domain string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     grantCookieName,
		Value:    "",
		Path:     grantCookiePath,
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}
