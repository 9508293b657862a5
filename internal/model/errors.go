// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, geofence, device, system
	Action   string // ユーザー向け対処方法

	// RetryAfter はレート制限時に次の試行が可能になる時刻。その他のエラーではゼロ値。
	RetryAfter time.Time
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeUnauthenticated       = "UNAUTHENTICATED"
	ErrCodeNotAuthorized         = "NOT_AUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeEmailMismatch         = "EMAIL_MISMATCH"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeGeofenceOutsideRegion = "GEOFENCE_OUTSIDE_REGION"
	ErrCodeGeofenceTooFar        = "GEOFENCE_TOO_FAR"
	ErrCodeInvalidCode           = "INVALID_CODE"
	ErrCodeAccessCodeRequired    = "ACCESS_CODE_REQUIRED"
	ErrCodeDeviceUnreachable     = "DEVICE_UNREACHABLE"
	ErrCodeDeviceCommandFailed   = "DEVICE_COMMAND_FAILED"
	ErrCodeDeviceNotConfigured   = "DEVICE_NOT_CONFIGURED"
	ErrCodeMaintenanceMode       = "MAINTENANCE_MODE"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// ErrorCode はエラーチェーンからAPIErrorのコードを取り出す。
// APIErrorを含まないエラーはINTERNAL_ERROR、nilは空文字列を返す。
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrCodeInternal
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthenticatedError はログインしていない場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "Googleアカウントでログインしてください。",
	}
}

// NewNotAuthorizedError はホワイトリスト未登録またはブラックリスト登録済みのエラーを生成する。
func NewNotAuthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthorized,
		Message:  "このアカウントにはアクセス権限がありません。",
		Category: "auth",
		Action:   "管理者にアクセス権限の付与を依頼してください。",
	}
}

// NewForbiddenError は操作が禁止されている場合のエラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作は許可されていません: %s", reason),
		Category: "auth",
		Action:   "操作対象を確認してください。",
	}
}

// NewEmailMismatchError はログイン中のアカウントと入力されたメールアドレスが一致しない場合のエラーを生成する。
func NewEmailMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailMismatch,
		Message:  "ログイン中のアカウントと入力されたメールアドレスが一致しません。",
		Category: "auth",
		Action:   "ログイン中のアカウントのメールアドレスを入力してください。",
	}
}

// NewConflictError は状態の競合エラーを生成する。
func NewConflictError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  reason,
		Category: "validation",
		Action:   "現在の状態を確認してから再度お試しください。",
	}
}

// NewNotFoundError は対象が見つからない場合のエラーを生成する。
func NewNotFoundError(target string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("対象が見つかりません: %s", target),
		Category: "validation",
		Action:   "対象を確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError(resetAt time.Time) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "試行回数が上限に達しました。",
		Category:   "auth",
		Action:     "しばらく待ってから再度お試しください。",
		RetryAfter: resetAt,
	}
}

// NewGeofenceOutsideRegionError は許可地域外からのリクエストのエラーを生成する。
func NewGeofenceOutsideRegionError() *APIError {
	return &APIError{
		Code:     ErrCodeGeofenceOutsideRegion,
		Message:  "許可された地域の外からは操作できません。",
		Category: "geofence",
		Action:   "現在地を確認してください。",
	}
}

// NewGeofenceTooFarError は対象から離れすぎている場合のエラーを生成する。
func NewGeofenceTooFarError(distance, maxDistance float64) *APIError {
	return &APIError{
		Code:     ErrCodeGeofenceTooFar,
		Message:  fmt.Sprintf("ガレージから離れすぎています（%.0fm / 上限 %.0fm）。", distance, maxDistance),
		Category: "geofence",
		Action:   "ガレージに近づいてから再度お試しください。",
	}
}

// NewInvalidCodeError はアクセスコード検証失敗エラーを生成する。
// 失敗理由（不一致、期限切れ、使用済み）は外部に区別して返さない。
func NewInvalidCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCode,
		Message:  "アクセスコードが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "管理者に新しいアクセスコードの発行を依頼してください。",
	}
}

// NewAccessCodeRequiredError はアクセスコード検証済みの証明がない、または期限切れの場合のエラーを生成する。
func NewAccessCodeRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAccessCodeRequired,
		Message:  "ガレージを操作するにはアクセスコードの確認が必要です。",
		Category: "auth",
		Action:   "アクセスコードを入力してください。",
	}
}

// NewDeviceUnreachableError はデバイスAPIに到達できない場合のエラーを生成する。
func NewDeviceUnreachableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDeviceUnreachable,
		Message:  fmt.Sprintf("デバイスに接続できませんでした: %s", reason),
		Category: "device",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDeviceCommandFailedError はデバイスがコマンドを拒否した場合のエラーを生成する。
func NewDeviceCommandFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDeviceCommandFailed,
		Message:  fmt.Sprintf("デバイスの操作に失敗しました: %s", reason),
		Category: "device",
		Action:   "しばらく待ってから再度お試しください。解決しない場合は管理者に連絡してください。",
	}
}

// NewDeviceNotConfiguredError はデバイスIDまたは認証キーが未設定の場合のエラーを生成する。
func NewDeviceNotConfiguredError() *APIError {
	return &APIError{
		Code:     ErrCodeDeviceNotConfigured,
		Message:  "デバイスIDまたは認証キーが設定されていません。",
		Category: "system",
		Action:   "管理者に連絡してください。",
	}
}

// NewMaintenanceModeError はメンテナンスモード中のエラーを生成する。
func NewMaintenanceModeError() *APIError {
	return &APIError{
		Code:     ErrCodeMaintenanceMode,
		Message:  "現在メンテナンス中です。",
		Category: "system",
		Action:   "メンテナンス終了後に再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
