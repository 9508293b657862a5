package model

import "time"

// ActivityEvent は追記専用の監査イベント。作成後に変更しない。
type ActivityEvent struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    string
	Target    string
	Outcome   string
	Details   map[string]string
}

// 監査イベントのアクション名
const (
	ActionCodeVerify      = "code_verify"
	ActionCodeGenerate    = "code_generate"
	ActionCodeCleanup     = "code_cleanup"
	ActionGarageOpen      = "garage_open"
	ActionGarageClose     = "garage_close"
	ActionWhitelistAdd    = "whitelist_add"
	ActionWhitelistRemove = "whitelist_remove"
	ActionBlacklistAdd    = "blacklist_add"
	ActionBlacklistRemove = "blacklist_remove"
	ActionSettingsUpdate  = "settings_update"
)

// 監査イベントの結果
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)
