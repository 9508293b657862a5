// Package accesscode は単回使用・期限付きアクセスコードの発行と検証を提供する。
package accesscode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/garagegate/internal/audit"
	"github.com/hitoshi/garagegate/internal/model"
	"github.com/hitoshi/garagegate/internal/repository"
	"github.com/hitoshi/garagegate/internal/security"
)

// 有効期限の許容範囲（時間）
const (
	MinTTLHours = 1
	MaxTTLHours = 168
)

// DefaultRetention は使用済み・期限切れのコードを保持する期間。
const DefaultRetention = 7 * 24 * time.Hour

// ClaimError はコード検証失敗の内部理由を保持する。
// 外部にはINVALID_CODEとしてのみ見え、理由は監査イベントとログにだけ残す。
type ClaimError struct {
	Reason model.ClaimFailure
}

func (e *ClaimError) Error() string {
	return "access code rejected: " + string(e.Reason)
}

// Unwrap は外部向けのINVALID_CODEエラーを返す。
func (e *ClaimError) Unwrap() error {
	return model.NewInvalidCodeError()
}

// Manager はアクセスコードの発行・検証・掃除を行う。
type Manager struct {
	repo      repository.AccessCodeRepository
	authRepo  repository.AuthorizationRepository
	hasher    *Hasher
	audit     *audit.Recorder
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time
}

// Option はManagerの設定を変更する。
type Option func(*Manager)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetention は終了状態のコードの保持期間を設定する。
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// NewManager はManagerを生成する。
func NewManager(
	repo repository.AccessCodeRepository,
	authRepo repository.AuthorizationRepository,
	hasher *Hasher,
	recorder *audit.Recorder,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		repo:      repo,
		authRepo:  authRepo,
		hasher:    hasher,
		audit:     recorder,
		logger:    logger,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateCode は認可済みのメールアドレスにコードを発行する。
// 有効なコードが既に存在する場合はCONFLICT。判定と保存はリポジトリで不可分に行う。
func (m *Manager) GenerateCode(ctx context.Context, email string, ttlHours int, actor string) (*model.IssuedCode, error) {
	normalized, ok := security.NormalizeEmail(email)
	if !ok {
		m.record(ctx, actor, model.ActionCodeGenerate, strings.TrimSpace(email), model.OutcomeDenied, map[string]string{"reason": "invalid_email"})
		return nil, model.NewValidationError("メールアドレスの形式が不正です")
	}
	if ttlHours < MinTTLHours || ttlHours > MaxTTLHours {
		m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeDenied, map[string]string{
			"reason":    "invalid_ttl",
			"ttl_hours": fmt.Sprintf("%d", ttlHours),
		})
		return nil, model.NewValidationError(fmt.Sprintf("有効期限は%d〜%d時間で指定してください", MinTTLHours, MaxTTLHours))
	}

	rec, err := m.authRepo.FindByEmail(ctx, normalized)
	if err != nil {
		m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return nil, fmt.Errorf("failed to look up authorization: %w", err)
	}
	if !rec.Authorized() {
		m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeDenied, map[string]string{"reason": "not_whitelisted"})
		return nil, model.NewValidationError("ホワイトリストに登録されていないメールアドレスです")
	}

	plain, err := generate()
	if err != nil {
		m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeFailure, map[string]string{"reason": "generate_error"})
		return nil, err
	}
	now := m.now().UTC()
	code := &model.AccessCode{
		ID:        uuid.New().String(),
		Email:     normalized,
		CodeHash:  m.hasher.Hash(normalized, plain),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(ttlHours) * time.Hour),
		IssuedBy:  actor,
	}

	inserted, err := m.repo.InsertIfNoActive(ctx, code, now)
	if errors.Is(err, repository.ErrNotEligible) {
		m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeDenied, map[string]string{"reason": "not_whitelisted"})
		return nil, model.NewValidationError("ホワイトリストに登録されていないメールアドレスです")
	}
	if err != nil {
		m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return nil, fmt.Errorf("failed to store access code: %w", err)
	}
	if !inserted {
		m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeDenied, map[string]string{"reason": "active_code_exists"})
		return nil, model.NewConflictError("このメールアドレスには有効なアクセスコードが既に存在します。")
	}

	m.record(ctx, actor, model.ActionCodeGenerate, normalized, model.OutcomeSuccess, map[string]string{
		"expires_at": code.ExpiresAt.Format(time.RFC3339),
		"ttl_hours":  fmt.Sprintf("%d", ttlHours),
	})
	m.logger.Info("access code issued",
		slog.String("email", normalized),
		slog.String("issued_by", actor),
		slog.Time("expires_at", code.ExpiresAt),
	)
	return &model.IssuedCode{Code: plain, Email: normalized, ExpiresAt: code.ExpiresAt}, nil
}

// ValidateAndUseCode は一致する未使用・有効期限内のコードを使用済みにする。
// 失敗時は*ClaimErrorを返す。理由の判定は失敗後の参照でのみ行い、成否には影響しない。
func (m *Manager) ValidateAndUseCode(ctx context.Context, email, code string) error {
	normalized, ok := security.NormalizeEmail(email)
	if !ok {
		return m.reject(normalized, model.ClaimMalformed)
	}
	plain, ok := Normalize(code)
	if !ok {
		return m.reject(normalized, model.ClaimMalformed)
	}

	now := m.now().UTC()
	hash := m.hasher.Hash(normalized, plain)
	claimed, err := m.repo.Claim(ctx, normalized, hash, now)
	if err != nil {
		return fmt.Errorf("failed to claim access code: %w", err)
	}
	if claimed {
		m.logger.Info("access code used", slog.String("email", normalized))
		return nil
	}

	reason := model.ClaimWrongCode
	found, err := m.repo.Inspect(ctx, normalized, hash)
	switch {
	case err != nil:
		m.logger.Warn("failed to inspect rejected access code", slog.String("error", err.Error()))
	case found == nil:
		reason = model.ClaimWrongCode
	case found.UsedAt != nil:
		reason = model.ClaimAlreadyUsed
	case !found.ExpiresAt.After(now):
		reason = model.ClaimExpired
	}
	return m.reject(normalized, reason)
}

func (m *Manager) reject(email string, reason model.ClaimFailure) error {
	m.logger.Warn("access code rejected",
		slog.String("email", email),
		slog.String("reason", string(reason)),
	)
	return &ClaimError{Reason: reason}
}

// CleanupExpired は保持期間を過ぎた使用済み・期限切れのコードを削除し、件数を返す。
// 失敗してもエラーは返さず、ログに出力して0を返す。
func (m *Manager) CleanupExpired(ctx context.Context) int64 {
	now := m.now().UTC()
	cutoff := now.Add(-m.retention)
	deleted, err := m.repo.DeleteTerminalBefore(ctx, cutoff, now)
	if err != nil {
		m.logger.Error("access code cleanup failed", slog.String("error", err.Error()))
		m.record(ctx, model.SystemActor, model.ActionCodeCleanup, "access_codes", model.OutcomeFailure, nil)
		return 0
	}
	m.logger.Info("access code cleanup completed",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	m.record(ctx, model.SystemActor, model.ActionCodeCleanup, "access_codes", model.OutcomeSuccess, map[string]string{
		"deleted": fmt.Sprintf("%d", deleted),
	})
	return deleted
}

// HasActiveCode は有効なコードが存在するかを返す。
func (m *Manager) HasActiveCode(ctx context.Context, email string) (bool, error) {
	normalized, ok := security.NormalizeEmail(email)
	if !ok {
		return false, model.NewValidationError("メールアドレスの形式が不正です")
	}
	active, err := m.repo.HasActive(ctx, normalized, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to check active code: %w", err)
	}
	return active, nil
}

// GetCodeStats はコードの状態別件数を返す。
func (m *Manager) GetCodeStats(ctx context.Context) (model.CodeStats, error) {
	stats, err := m.repo.Stats(ctx, m.now().UTC())
	if err != nil {
		return model.CodeStats{}, fmt.Errorf("failed to load code stats: %w", err)
	}
	return stats, nil
}

func (m *Manager) record(ctx context.Context, actor, action, target, outcome string, details map[string]string) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, model.ActivityEvent{
		Actor:   actor,
		Action:  action,
		Target:  target,
		Outcome: outcome,
		Details: details,
	})
}
