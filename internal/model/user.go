// Package model はドメインモデルを定義する。
package model

import "time"

// Principal は外部IdPで検証済みのメールアドレスで識別される利用者を表す。
// コア層はトランスポートのヘッダを解釈せず、この値だけを受け取る。
type Principal struct {
	Email string
}

// SystemActor はバッチ処理など人間以外の操作主体を表す監査用の識別子。
const SystemActor = "system"

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	Email     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AuthorizationRecord はメールアドレスごとの認可状態を表す。
// 一度作成されたレコードは物理削除せず、フラグの更新で無効化する。
type AuthorizationRecord struct {
	Email           string
	Whitelisted     bool
	Blacklisted     bool
	BlacklistReason string
	WhitelistedBy   string
	WhitelistedAt   *time.Time
	BlacklistedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Authorized はホワイトリスト登録済みかつブラックリスト未登録であるかを返す。
// 更新の順序に関係なく両フラグだけから判定する。
func (r *AuthorizationRecord) Authorized() bool {
	if r == nil {
		return false
	}
	return r.Whitelisted && !r.Blacklisted
}
