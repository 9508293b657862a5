// Package ratelimit は識別子ごとのスライディングウィンドウによる試行回数制限を提供する。
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/garagegate/internal/repository"
)

// 既定の制限値
const (
	VerifyMaxAttempts = 5
	VerifyWindow      = 15 * time.Minute

	GarageMaxAttempts = 10
	GarageWindow      = 5 * time.Minute
)

// VerifyKey はコード検証用のレート制限識別子を返す。
func VerifyKey(email string) string {
	return "verify_" + email
}

// GarageKey はガレージ操作用のレート制限識別子を返す。
func GarageKey(email string) string {
	return "garage_control_" + email
}

// Result はレート制限判定の結果。
type Result struct {
	Allowed           bool
	RemainingAttempts int
	// ResetTime はウィンドウ内で最も古い試行がウィンドウ外に出る時刻。
	ResetTime time.Time
}

// DenialRecorder は拒否件数を記録する。metrics.Collectorが実装する。
type DenialRecorder interface {
	RecordRateLimitDenied(scope string)
}

// Limiter はストアを共有してスライディングウィンドウ制限を判定する。
// 許可された試行のみ記録し、拒否された試行はウィンドウを延長しない。
type Limiter struct {
	store   repository.RateLimitRepository
	logger  *slog.Logger
	now     func() time.Time
	metrics DenialRecorder
}

// Option はLimiterの設定を変更する。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics は拒否件数の記録先を設定する。
func WithMetrics(m DenialRecorder) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter はLimiterを生成する。
func NewLimiter(store repository.RateLimitRepository, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckRateLimit はidentifierの試行を判定し、許可された場合は記録する。
func (l *Limiter) CheckRateLimit(ctx context.Context, identifier string, maxAttempts int, window time.Duration) (Result, error) {
	if maxAttempts <= 0 || window <= 0 {
		return Result{}, fmt.Errorf("invalid rate limit parameters: max=%d window=%s", maxAttempts, window)
	}

	now := l.now()
	hit, err := l.store.Hit(ctx, identifier, maxAttempts, now.Add(-window), now)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check rate limit for %s: %w", identifier, err)
	}

	oldest := hit.Oldest
	if oldest.IsZero() {
		oldest = now
	}
	res := Result{
		Allowed:           hit.Allowed,
		RemainingAttempts: maxAttempts - hit.Count,
		ResetTime:         oldest.Add(window),
	}
	if res.RemainingAttempts < 0 {
		res.RemainingAttempts = 0
	}

	if !res.Allowed {
		l.logger.Warn("rate limit exceeded",
			slog.String("identifier", identifier),
			slog.Int("max_attempts", maxAttempts),
			slog.Time("reset_time", res.ResetTime),
		)
		if l.metrics != nil {
			l.metrics.RecordRateLimitDenied(scopeOf(identifier))
		}
	}
	return res, nil
}

// scopeOf は識別子からメトリクス用のスコープ名（メールアドレスを含まない接頭辞）を取り出す。
func scopeOf(identifier string) string {
	switch {
	case strings.HasPrefix(identifier, "verify_"):
		return "verify"
	case strings.HasPrefix(identifier, "garage_control_"):
		return "garage_control"
	default:
		return "other"
	}
}
