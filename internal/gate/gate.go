// Package gate は認可・アクセスコード・レート制限・ジオフェンスを組み合わせて
// ガレージ操作の可否を判定し、許可された場合にデバイスを操作する。
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/garagegate/internal/accesscode"
	"github.com/hitoshi/garagegate/internal/audit"
	"github.com/hitoshi/garagegate/internal/device"
	"github.com/hitoshi/garagegate/internal/geofence"
	"github.com/hitoshi/garagegate/internal/model"
	"github.com/hitoshi/garagegate/internal/ratelimit"
	"github.com/hitoshi/garagegate/internal/repository"
	"github.com/hitoshi/garagegate/internal/security"
)

// maxCodeInputLength はコード入力として受け付ける最大文字数。
const maxCodeInputLength = 64

// Authorizer は認可状態を判定する。authz.Serviceが実装する。
type Authorizer interface {
	IsAuthorized(ctx context.Context, email string) (bool, error)
}

// CodeVerifier はアクセスコードを検証して使用済みにする。accesscode.Managerが実装する。
type CodeVerifier interface {
	ValidateAndUseCode(ctx context.Context, email, code string) error
}

// RateLimiter は試行回数を判定する。ratelimit.Limiterが実装する。
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, identifier string, maxAttempts int, window time.Duration) (ratelimit.Result, error)
}

// Device はガレージのリレーを操作する。device.Controllerが実装する。
type Device interface {
	OpenGarage(ctx context.Context) model.DeviceCommandResult
	GetStatus(ctx context.Context) device.StatusResult
}

// DecisionRecorder は判定結果のメトリクスを記録する。metrics.Collectorが実装する。
type DecisionRecorder interface {
	RecordGateDecision(action, outcome, code string)
}

// Config はジオフェンスの設定。
type Config struct {
	GarageLocation    model.GeoPoint
	MaxDistanceMeters float64
	AllowedRegion     model.BoundingBox
}

// CommandResult は許可されたデバイス操作の結果。
type CommandResult struct {
	Device   model.DeviceCommandResult
	Distance float64
}

// LocationCheck は位置の事前確認の結果。
type LocationCheck struct {
	InRegion bool
	model.RangeCheck
}

// Gate はアクセス判定の入口。
type Gate struct {
	authz    Authorizer
	codes    CodeVerifier
	limiter  RateLimiter
	device   Device
	settings repository.SettingsRepository
	audit    *audit.Recorder
	metrics  DecisionRecorder
	cfg      Config
	logger   *slog.Logger
}

// New はGateを生成する。metricsはnilでもよい。
func New(
	authz Authorizer,
	codes CodeVerifier,
	limiter RateLimiter,
	dev Device,
	settings repository.SettingsRepository,
	recorder *audit.Recorder,
	metrics DecisionRecorder,
	cfg Config,
	logger *slog.Logger,
) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		authz:    authz,
		codes:    codes,
		limiter:  limiter,
		device:   dev,
		settings: settings,
		audit:    recorder,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// RequestAccessByCode はアクセスコードを検証する。
// 成功した場合、呼び出し元はprincipalに以後のデバイス操作を許可してよい。
func (g *Gate) RequestAccessByCode(ctx context.Context, principal model.Principal, email, code string) error {
	actor := principal.Email
	ev := outcome{action: model.ActionCodeVerify, actor: actor, target: strings.TrimSpace(email)}

	limited, err := g.checkRate(ctx, ratelimit.VerifyKey(actor), ratelimit.VerifyMaxAttempts, ratelimit.VerifyWindow)
	if err != nil {
		return g.finish(ctx, ev, err)
	}
	if limited != nil {
		return g.finish(ctx, ev.reason("rate_limited"), limited)
	}

	normalized, ok := security.NormalizeEmail(email)
	if !ok {
		return g.finish(ctx, ev.reason("invalid_email"), model.NewValidationError("メールアドレスの形式が不正です"))
	}
	ev.target = normalized
	code = strings.TrimSpace(code)
	if code == "" || len(code) > maxCodeInputLength {
		return g.finish(ctx, ev.reason("invalid_code_input"), model.NewValidationError("アクセスコードを入力してください"))
	}
	if normalized != actor {
		return g.finish(ctx, ev.reason("email_mismatch"), model.NewEmailMismatchError())
	}

	if err := g.checkMaintenance(ctx); err != nil {
		return g.finish(ctx, ev.reason("maintenance"), err)
	}
	if err := g.checkAuthorized(ctx, actor); err != nil {
		return g.finish(ctx, ev.reason("not_authorized"), err)
	}

	if err := g.codes.ValidateAndUseCode(ctx, normalized, code); err != nil {
		var claimErr *accesscode.ClaimError
		if errors.As(err, &claimErr) {
			return g.finish(ctx, ev.reason(string(claimErr.Reason)), err)
		}
		return g.finish(ctx, ev, fmt.Errorf("failed to verify access code: %w", err))
	}
	return g.finish(ctx, ev, nil)
}

// RequestDeviceCommand は位置と認可を確認し、許可された場合にガレージを開ける。
// デバイス操作は呼び出し元のキャンセルで中断しない。
func (g *Gate) RequestDeviceCommand(ctx context.Context, principal model.Principal, location *model.GeoPoint) (*CommandResult, error) {
	actor := principal.Email
	ev := outcome{action: model.ActionGarageOpen, actor: actor, target: "garage"}

	limited, err := g.checkRate(ctx, ratelimit.GarageKey(actor), ratelimit.GarageMaxAttempts, ratelimit.GarageWindow)
	if err != nil {
		return nil, g.finish(ctx, ev, err)
	}
	if limited != nil {
		return nil, g.finish(ctx, ev.reason("rate_limited"), limited)
	}
	if err := g.checkMaintenance(ctx); err != nil {
		return nil, g.finish(ctx, ev.reason("maintenance"), err)
	}
	if err := g.checkAuthorized(ctx, actor); err != nil {
		return nil, g.finish(ctx, ev.reason("not_authorized"), err)
	}

	if location == nil || !geofence.IsValidCoordinate(*location) {
		return nil, g.finish(ctx, ev.reason("invalid_location"), model.NewValidationError("位置情報が不正です"))
	}
	if !geofence.IsInRegion(*location, g.cfg.AllowedRegion) {
		return nil, g.finish(ctx, ev.reason("outside_region"), model.NewGeofenceOutsideRegionError())
	}

	maxDistance, err := g.maxDistance(ctx)
	if err != nil {
		return nil, g.finish(ctx, ev, err)
	}
	rng := geofence.IsWithinRange(*location, g.cfg.GarageLocation, maxDistance)
	ev = ev.with("distance_m", fmt.Sprintf("%.1f", rng.Distance)).with("max_distance_m", fmt.Sprintf("%.0f", maxDistance))
	if rng.Accuracy == geofence.AccuracyError {
		return nil, g.finish(ctx, ev.reason("distance_error"), model.NewValidationError("距離を計算できませんでした"))
	}
	if !rng.Allowed {
		return nil, g.finish(ctx, ev.reason("too_far"), model.NewGeofenceTooFarError(rng.Distance, maxDistance))
	}

	res := g.device.OpenGarage(context.WithoutCancel(ctx))
	ev = ev.with("attempts", fmt.Sprintf("%d", res.Attempts)).with("status", string(res.Status))
	if !res.Success {
		ev = ev.reason(string(res.Failure))
		switch res.Failure {
		case model.DeviceFailureNotConfigured:
			return nil, g.finish(ctx, ev, model.NewDeviceNotConfiguredError())
		case model.DeviceFailureRejected:
			return nil, g.finish(ctx, ev, model.NewDeviceCommandFailedError(res.Error))
		default:
			return nil, g.finish(ctx, ev, model.NewDeviceUnreachableError(res.Error))
		}
	}

	ev = ev.with("verified", fmt.Sprintf("%t", res.Verified)).with("already_open", fmt.Sprintf("%t", res.AlreadyOpen))
	_ = g.finish(ctx, ev, nil)
	return &CommandResult{Device: res, Distance: rng.Distance}, nil
}

// CheckLocation は操作せずに位置の判定結果だけを返す。試行回数と監査記録には含めない。
func (g *Gate) CheckLocation(ctx context.Context, principal model.Principal, location *model.GeoPoint) (*LocationCheck, error) {
	if err := g.checkAuthorized(ctx, principal.Email); err != nil {
		return nil, err
	}
	if location == nil || !geofence.IsValidCoordinate(*location) {
		return nil, model.NewValidationError("位置情報が不正です")
	}
	maxDistance, err := g.maxDistance(ctx)
	if err != nil {
		return nil, err
	}
	return &LocationCheck{
		InRegion:   geofence.IsInRegion(*location, g.cfg.AllowedRegion),
		RangeCheck: geofence.IsWithinRange(*location, g.cfg.GarageLocation, maxDistance),
	}, nil
}

// Reject はゲートに到達する前に拒否した要求（不正なリクエストボディや許可トークンの欠如）を
// 他の判定と同じく監査イベントとメトリクスに1件ずつ記録し、errを返す。試行回数には含めない。
func (g *Gate) Reject(ctx context.Context, principal model.Principal, action, reason string, err error) error {
	return g.finish(ctx, outcome{action: action, actor: principal.Email, target: "request"}.reason(reason), err)
}

// Status は認可済みの利用者に扉の状態を返す。
func (g *Gate) Status(ctx context.Context, principal model.Principal) (device.StatusResult, error) {
	if err := g.checkAuthorized(ctx, principal.Email); err != nil {
		return device.StatusResult{}, err
	}
	return g.device.GetStatus(ctx), nil
}

// checkRate は制限超過時にRATE_LIMITEDエラーを返す。ストアの障害は2番目の戻り値で返す。
func (g *Gate) checkRate(ctx context.Context, key string, max int, window time.Duration) (*model.APIError, error) {
	res, err := g.limiter.CheckRateLimit(ctx, key, max, window)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return model.NewRateLimitedError(res.ResetTime), nil
	}
	return nil, nil
}

func (g *Gate) checkMaintenance(ctx context.Context) error {
	settings, err := g.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if settings.MaintenanceMode {
		return model.NewMaintenanceModeError()
	}
	return nil
}

func (g *Gate) checkAuthorized(ctx context.Context, email string) error {
	ok, err := g.authz.IsAuthorized(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewNotAuthorizedError()
	}
	return nil
}

// maxDistance は管理者の上書き設定があればそれを、なければ設定値を返す。
func (g *Gate) maxDistance(ctx context.Context) (float64, error) {
	settings, err := g.settings.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load settings: %w", err)
	}
	if settings.MaxDistanceMeters > 0 {
		return settings.MaxDistanceMeters, nil
	}
	return g.cfg.MaxDistanceMeters, nil
}

// outcome は1回の判定で記録する監査イベントの内容。
type outcome struct {
	action  string
	actor   string
	target  string
	details map[string]string
}

func (o outcome) with(key, value string) outcome {
	details := make(map[string]string, len(o.details)+1)
	for k, v := range o.details {
		details[k] = v
	}
	details[key] = value
	o.details = details
	return o
}

func (o outcome) reason(r string) outcome {
	return o.with("reason", r)
}

// finish は判定の終端で監査イベントとメトリクスを1件ずつ記録し、errをそのまま返す。
func (g *Gate) finish(ctx context.Context, o outcome, err error) error {
	result := model.OutcomeSuccess
	var apiErr *model.APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && !isDeviceFailure(apiErr.Code):
		result = model.OutcomeDenied
	default:
		result = model.OutcomeFailure
	}
	code := model.ErrorCode(err)
	if code != "" {
		o = o.with("error_code", code)
	}

	if result == model.OutcomeFailure {
		g.logger.Error("access gate failure",
			slog.String("action", o.action),
			slog.String("actor", o.actor),
			slog.String("error", err.Error()),
		)
	} else {
		g.logger.Info("access gate decision",
			slog.String("action", o.action),
			slog.String("actor", o.actor),
			slog.String("outcome", result),
			slog.String("code", code),
		)
	}

	if g.audit != nil {
		g.audit.Record(ctx, model.ActivityEvent{
			Actor:   o.actor,
			Action:  o.action,
			Target:  o.target,
			Outcome: result,
			Details: o.details,
		})
	}
	if g.metrics != nil {
		g.metrics.RecordGateDecision(o.action, result, code)
	}
	return err
}

func isDeviceFailure(code string) bool {
	switch code {
	case model.ErrCodeDeviceUnreachable, model.ErrCodeDeviceCommandFailed, model.ErrCodeDeviceNotConfigured, model.ErrCodeInternal:
		return true
	}
	return false
}
