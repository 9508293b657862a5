// Package authz はホワイトリスト・ブラックリスト・管理者判定の認可ポリシーを提供する。
// 管理者の識別とユーザーの認可状態はこのパッケージだけが判断する。
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/hitoshi/garagegate/internal/audit"
	"github.com/hitoshi/garagegate/internal/model"
	"github.com/hitoshi/garagegate/internal/repository"
	"github.com/hitoshi/garagegate/internal/security"
)

// Service は認可状態の参照と管理者操作を提供する。
type Service struct {
	authRepo     repository.AuthorizationRepository
	codeRepo     repository.AccessCodeRepository
	sessionRepo  repository.SessionRepository
	settingsRepo repository.SettingsRepository
	audit        *audit.Recorder
	adminEmail   string
	logger       *slog.Logger
	now          func() time.Time
}

// NewService はServiceを生成する。adminEmailは正規化済みの値を渡す。
func NewService(
	authRepo repository.AuthorizationRepository,
	codeRepo repository.AccessCodeRepository,
	sessionRepo repository.SessionRepository,
	settingsRepo repository.SettingsRepository,
	recorder *audit.Recorder,
	adminEmail string,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		authRepo:     authRepo,
		codeRepo:     codeRepo,
		sessionRepo:  sessionRepo,
		settingsRepo: settingsRepo,
		audit:        recorder,
		adminEmail:   adminEmail,
		logger:       logger,
		now:          time.Now,
	}
}

// IsAdmin は設定された唯一の管理者と一致するかを返す。
func (s *Service) IsAdmin(email string) bool {
	normalized, ok := security.NormalizeEmail(email)
	return ok && s.adminEmail != "" && normalized == s.adminEmail
}

// IsAuthorized はホワイトリスト登録済みかつブラックリスト未登録であるかを返す。
func (s *Service) IsAuthorized(ctx context.Context, email string) (bool, error) {
	normalized, ok := security.NormalizeEmail(email)
	if !ok {
		return false, nil
	}
	rec, err := s.authRepo.FindByEmail(ctx, normalized)
	if err != nil {
		return false, fmt.Errorf("failed to look up authorization: %w", err)
	}
	return rec.Authorized(), nil
}

// GetRecord は認可レコードを返す。存在しない場合はNOT_FOUND。
func (s *Service) GetRecord(ctx context.Context, email string) (*model.AuthorizationRecord, error) {
	normalized, err := normalize(email)
	if err != nil {
		return nil, err
	}
	rec, err := s.authRepo.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to look up authorization: %w", err)
	}
	if rec == nil {
		return nil, model.NewNotFoundError(normalized)
	}
	return rec, nil
}

// AddWhitelist はホワイトリストに登録する。登録済みの場合はCONFLICT。
func (s *Service) AddWhitelist(ctx context.Context, email, actor string) error {
	normalized, err := normalize(email)
	if err != nil {
		s.record(ctx, actor, model.ActionWhitelistAdd, strings.TrimSpace(email), model.OutcomeDenied, map[string]string{"reason": "invalid_email"})
		return err
	}
	added, err := s.authRepo.AddWhitelist(ctx, normalized, actor, s.now().UTC())
	if err != nil {
		s.record(ctx, actor, model.ActionWhitelistAdd, normalized, model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return fmt.Errorf("failed to add whitelist entry: %w", err)
	}
	if !added {
		s.record(ctx, actor, model.ActionWhitelistAdd, normalized, model.OutcomeDenied, map[string]string{"reason": "already_whitelisted"})
		return model.NewConflictError("このメールアドレスは既にホワイトリストに登録されています。")
	}
	s.record(ctx, actor, model.ActionWhitelistAdd, normalized, model.OutcomeSuccess, nil)
	return nil
}

// RemoveWhitelist はホワイトリストから外し、有効なアクセスコードを失効させる。
// 自分自身は外せない。
func (s *Service) RemoveWhitelist(ctx context.Context, email, actor string) error {
	normalized, err := normalize(email)
	if err != nil {
		s.record(ctx, actor, model.ActionWhitelistRemove, strings.TrimSpace(email), model.OutcomeDenied, map[string]string{"reason": "invalid_email"})
		return err
	}
	if s.sameActor(normalized, actor) {
		s.record(ctx, actor, model.ActionWhitelistRemove, normalized, model.OutcomeDenied, map[string]string{"reason": "self_removal"})
		return model.NewForbiddenError("自分自身をホワイトリストから削除することはできません。")
	}

	now := s.now().UTC()
	removed, err := s.authRepo.RemoveWhitelist(ctx, normalized, now)
	if err != nil {
		s.record(ctx, actor, model.ActionWhitelistRemove, normalized, model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return fmt.Errorf("failed to remove whitelist entry: %w", err)
	}
	if !removed {
		s.record(ctx, actor, model.ActionWhitelistRemove, normalized, model.OutcomeDenied, map[string]string{"reason": "not_whitelisted"})
		return model.NewNotFoundError(normalized)
	}

	details := map[string]string{}
	revoked, err := s.codeRepo.DeleteActive(ctx, normalized, now)
	if err != nil {
		// 認可は既に外れているため、残ったコードは検証時に拒否される
		s.logger.Error("failed to revoke active codes",
			slog.String("email", normalized),
			slog.String("error", err.Error()),
		)
		details["revoke_error"] = "true"
	} else {
		details["revoked_codes"] = fmt.Sprintf("%d", revoked)
	}
	s.record(ctx, actor, model.ActionWhitelistRemove, normalized, model.OutcomeSuccess, details)
	return nil
}

// AddBlacklist はブラックリストに登録し、対象のセッションを破棄する。
// 自分自身は登録できない。登録済みの場合はCONFLICT。
func (s *Service) AddBlacklist(ctx context.Context, email, actor, reason string) error {
	normalized, err := normalize(email)
	if err != nil {
		s.record(ctx, actor, model.ActionBlacklistAdd, strings.TrimSpace(email), model.OutcomeDenied, map[string]string{"reason": "invalid_email"})
		return err
	}
	reason = security.SanitizeText(reason)
	if s.sameActor(normalized, actor) {
		s.record(ctx, actor, model.ActionBlacklistAdd, normalized, model.OutcomeDenied, map[string]string{"reason": "self_blacklist"})
		return model.NewForbiddenError("自分自身をブラックリストに登録することはできません。")
	}

	added, err := s.authRepo.AddBlacklist(ctx, normalized, reason, s.now().UTC())
	if err != nil {
		s.record(ctx, actor, model.ActionBlacklistAdd, normalized, model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	if !added {
		s.record(ctx, actor, model.ActionBlacklistAdd, normalized, model.OutcomeDenied, map[string]string{"reason": "already_blacklisted"})
		return model.NewConflictError("このメールアドレスは既にブラックリストに登録されています。")
	}

	if err := s.sessionRepo.DeleteByEmail(ctx, normalized); err != nil {
		s.logger.Error("failed to delete sessions of blacklisted user",
			slog.String("email", normalized),
			slog.String("error", err.Error()),
		)
	}
	s.record(ctx, actor, model.ActionBlacklistAdd, normalized, model.OutcomeSuccess, map[string]string{"blacklist_reason": reason})
	return nil
}

// RemoveBlacklist はブラックリストから外す。登録されていない場合はNOT_FOUND。
func (s *Service) RemoveBlacklist(ctx context.Context, email, actor string) error {
	normalized, err := normalize(email)
	if err != nil {
		s.record(ctx, actor, model.ActionBlacklistRemove, strings.TrimSpace(email), model.OutcomeDenied, map[string]string{"reason": "invalid_email"})
		return err
	}
	removed, err := s.authRepo.RemoveBlacklist(ctx, normalized, s.now().UTC())
	if err != nil {
		s.record(ctx, actor, model.ActionBlacklistRemove, normalized, model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return fmt.Errorf("failed to remove blacklist entry: %w", err)
	}
	if !removed {
		s.record(ctx, actor, model.ActionBlacklistRemove, normalized, model.OutcomeDenied, map[string]string{"reason": "not_blacklisted"})
		return model.NewNotFoundError(normalized)
	}
	s.record(ctx, actor, model.ActionBlacklistRemove, normalized, model.OutcomeSuccess, nil)
	return nil
}

// ListUsers はホワイトリスト登録中のレコードを返す。
func (s *Service) ListUsers(ctx context.Context) ([]*model.AuthorizationRecord, error) {
	recs, err := s.authRepo.ListWhitelisted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list whitelisted users: %w", err)
	}
	return recs, nil
}

// ListBlacklist はブラックリスト登録中のレコードを返す。
func (s *Service) ListBlacklist(ctx context.Context) ([]*model.AuthorizationRecord, error) {
	recs, err := s.authRepo.ListBlacklisted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklisted users: %w", err)
	}
	return recs, nil
}

// GetSettings は現在のシステム設定を返す。
func (s *Service) GetSettings(ctx context.Context) (*model.Settings, error) {
	settings, err := s.settingsRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return settings, nil
}

// SettingsUpdate は設定の部分更新。nilの項目は変更しない。
type SettingsUpdate struct {
	MaintenanceMode   *bool
	MaxDistanceMeters *float64
}

// UpdateSettings は設定を部分更新し、更新後の値を返す。
// 最大距離は0（設定値に戻す）または正の有限値のみ受け付ける。
func (s *Service) UpdateSettings(ctx context.Context, update SettingsUpdate, actor string) (*model.Settings, error) {
	if d := update.MaxDistanceMeters; d != nil && (math.IsNaN(*d) || math.IsInf(*d, 0) || *d < 0) {
		s.record(ctx, actor, model.ActionSettingsUpdate, "settings", model.OutcomeDenied, map[string]string{"reason": "invalid_max_distance"})
		return nil, model.NewValidationError("最大距離は0以上の数値を指定してください")
	}

	current, err := s.GetSettings(ctx)
	if err != nil {
		s.record(ctx, actor, model.ActionSettingsUpdate, "settings", model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return nil, err
	}
	next := *current
	details := map[string]string{}
	if update.MaintenanceMode != nil {
		next.MaintenanceMode = *update.MaintenanceMode
		details["maintenance_mode"] = fmt.Sprintf("%t", next.MaintenanceMode)
	}
	if update.MaxDistanceMeters != nil {
		next.MaxDistanceMeters = *update.MaxDistanceMeters
		details["max_distance_meters"] = fmt.Sprintf("%g", next.MaxDistanceMeters)
	}
	next.UpdatedAt = s.now().UTC()
	next.UpdatedBy = actor

	if err := s.settingsRepo.Save(ctx, &next); err != nil {
		s.record(ctx, actor, model.ActionSettingsUpdate, "settings", model.OutcomeFailure, map[string]string{"reason": "store_error"})
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	s.record(ctx, actor, model.ActionSettingsUpdate, "settings", model.OutcomeSuccess, details)
	return &next, nil
}

func (s *Service) sameActor(email, actor string) bool {
	normalized, ok := security.NormalizeEmail(actor)
	return ok && normalized == email
}

func (s *Service) record(ctx context.Context, actor, action, target, outcome string, details map[string]string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, model.ActivityEvent{
		Actor:   actor,
		Action:  action,
		Target:  target,
		Outcome: outcome,
		Details: details,
	})
}

func normalize(email string) (string, error) {
	normalized, ok := security.NormalizeEmail(email)
	if !ok {
		return "", model.NewValidationError("メールアドレスの形式が不正です")
	}
	return normalized, nil
}
