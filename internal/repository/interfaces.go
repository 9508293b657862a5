// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/garagegate/internal/model"
)

// ErrNotEligible はコード発行時に対象メールアドレスが認可されていないことを表す。
// 事前チェックと発行の間に認可が取り消された場合に返る。
var ErrNotEligible = errors.New("email is not eligible for an access code")

// AuthorizationRepository はメールアドレスごとの認可状態の永続化インターフェース。
// 各更新は条件付きの単一書き込みで行い、戻り値のboolで状態が変化したかを返す。
type AuthorizationRepository interface {
	// FindByEmail は認可レコードを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.AuthorizationRecord, error)

	// AddWhitelist はホワイトリストに登録する。既に登録済みの場合はfalseを返す。
	AddWhitelist(ctx context.Context, email, actor string, at time.Time) (bool, error)

	// RemoveWhitelist はホワイトリスト登録を解除する。登録されていない場合はfalseを返す。
	// レコード自体は削除しない。
	RemoveWhitelist(ctx context.Context, email string, at time.Time) (bool, error)

	// AddBlacklist はブラックリストに登録する。既に登録済みの場合はfalseを返す。
	AddBlacklist(ctx context.Context, email, reason string, at time.Time) (bool, error)

	// RemoveBlacklist はブラックリスト登録を解除する。登録されていない場合はfalseを返す。
	RemoveBlacklist(ctx context.Context, email string, at time.Time) (bool, error)

	// ListWhitelisted はホワイトリスト登録中のレコードをメールアドレス順に返す。
	ListWhitelisted(ctx context.Context) ([]*model.AuthorizationRecord, error)

	// ListBlacklisted はブラックリスト登録中のレコードをメールアドレス順に返す。
	ListBlacklisted(ctx context.Context) ([]*model.AuthorizationRecord, error)
}

// AccessCodeRepository はアクセスコードの永続化インターフェース。
type AccessCodeRepository interface {
	// InsertIfNoActive は有効なコードが存在しない場合のみコードを保存する。
	// 認可状態の確認と挿入は同一メールアドレスに対して直列化される。
	// 有効なコードが既に存在する場合はfalse、認可されていない場合はErrNotEligibleを返す。
	InsertIfNoActive(ctx context.Context, code *model.AccessCode, now time.Time) (bool, error)

	// Claim は未使用かつ有効期限内で一致するコードを使用済みにする。
	// 条件付きの単一更新で行い、同じコードを2回以上成功させない。
	Claim(ctx context.Context, email, codeHash string, now time.Time) (bool, error)

	// Inspect はメールアドレスとハッシュが一致するコードを取得する。見つからない場合はnilを返す。
	// 検証失敗時の理由の特定にのみ使う。
	Inspect(ctx context.Context, email, codeHash string) (*model.AccessCode, error)

	// HasActive は有効なコードが存在するかを返す。
	HasActive(ctx context.Context, email string, now time.Time) (bool, error)

	// DeleteActive は指定メールアドレスの有効なコードを削除し、件数を返す。
	DeleteActive(ctx context.Context, email string, now time.Time) (int64, error)

	// DeleteTerminalBefore は使用済みまたは期限切れで、cutoffより前に発行されたコードを削除する。
	DeleteTerminalBefore(ctx context.Context, cutoff, now time.Time) (int64, error)

	// Stats はコードの状態別件数を返す。
	Stats(ctx context.Context, now time.Time) (model.CodeStats, error)
}

// RateLimitHit はレート制限ストアへの1回の試行の結果。
type RateLimitHit struct {
	Allowed bool
	// Count はウィンドウ内の試行数（今回記録した分を含む）。
	Count int
	// Oldest はウィンドウ内で最も古い試行の時刻。試行がない場合はゼロ値。
	Oldest time.Time
}

// RateLimitRepository はスライディングウィンドウの試行記録を複数インスタンスで共有するストア。
type RateLimitRepository interface {
	// Hit はwindowStartより古い試行を削除し、件数がmaxAttempts未満であればnowを記録する。
	// 削除・判定・記録は同一identifierに対して直列化される。
	Hit(ctx context.Context, identifier string, maxAttempts int, windowStart, now time.Time) (RateLimitHit, error)
}

// SettingsRepository はシステム設定の永続化インターフェース。
type SettingsRepository interface {
	// Get は現在の設定を返す。未保存の項目はゼロ値。
	Get(ctx context.Context) (*model.Settings, error)
	// Save は設定を保存する。
	Save(ctx context.Context, settings *model.Settings) error
}

// ActivityRepository は監査イベントの追記専用ストア。
type ActivityRepository interface {
	// Append はイベントを追記する。
	Append(ctx context.Context, event *model.ActivityEvent) error
	// ListSince はsince以降のイベントを新しい順に最大limit件返す。
	ListSince(ctx context.Context, since time.Time, limit int) ([]*model.ActivityEvent, error)
	// DistinctActorsSince はsince以降にイベントを記録した操作主体の一覧を返す。
	DistinctActorsSince(ctx context.Context, since time.Time) ([]string, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByEmail は指定メールアドレスの全セッションを削除する。
	DeleteByEmail(ctx context.Context, email string) error
	// DeleteExpired は期限切れのセッションを削除し、件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
