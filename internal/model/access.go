package model

import "time"

// AccessCode は単回使用・期限付きのアクセスコードを表す。
// 平文のコードは発行時に一度だけ返し、永続化するのはハッシュのみ。
type AccessCode struct {
	ID        string
	Email     string
	CodeHash  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	IssuedBy  string
}

// Active は指定時刻において未使用かつ有効期限内であるかを返す。
func (c *AccessCode) Active(now time.Time) bool {
	return c.UsedAt == nil && c.ExpiresAt.After(now)
}

// IssuedCode はコード発行の結果。Code は平文で、この値以外からは復元できない。
type IssuedCode struct {
	Code      string
	Email     string
	ExpiresAt time.Time
}

// CodeStats はアクセスコードの集計値。
type CodeStats struct {
	Active  int
	Expired int
	Used    int
}

// ClaimFailure はコード検証失敗の内部向け理由。外部には区別せず返す。
type ClaimFailure string

const (
	ClaimWrongCode   ClaimFailure = "wrong_code"
	ClaimExpired     ClaimFailure = "expired"
	ClaimAlreadyUsed ClaimFailure = "already_used"
	ClaimMalformed   ClaimFailure = "malformed"
)

// Settings は管理者が実行時に変更できるシステム設定。
type Settings struct {
	MaintenanceMode bool
	// MaxDistanceMeters が0の場合は設定ファイル・環境変数の値を使う。
	MaxDistanceMeters float64
	UpdatedAt         time.Time
	UpdatedBy         string
}
