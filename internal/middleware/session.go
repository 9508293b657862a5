// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/garagegate/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// principalContextKey はリクエストコンテキストに認証済みの利用者を格納するためのキー。
	principalContextKey = contextKey("principal")
	holderContextKey    = contextKey("principal_holder")
)

// principalHolder は外側のミドルウェアに認証結果を書き戻すための入れ物。
type principalHolder struct {
	email string
}

func contextWithHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, holderContextKey, h)
}

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 有効性を検証するミドルウェアを返す。
// セッションのメールアドレスをPrincipalとしてリクエストコンテキストに注入する。
// 未認証リクエストには401 UNAUTHENTICATEDを返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}

			session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}
			if session == nil || session.Email == "" {
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}

			ctx := ContextWithPrincipal(r.Context(), model.Principal{Email: session.Email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewAdminMiddleware は管理者以外のリクエストを403で拒否するミドルウェアを返す。
// セッションミドルウェアの後に配置する。
func NewAdminMiddleware(isAdmin func(email string) bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}
			if !isAdmin(principal.Email) {
				slog.Warn("admin access denied",
					slog.String("email", principal.Email),
					slog.String("path", r.URL.Path),
				)
				WriteAPIError(w, model.NewForbiddenError("管理者権限が必要です"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから認証済みの利用者を取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(model.Principal)
	if !ok || p.Email == "" {
		return model.Principal{}, false
	}
	return p, true
}

// ContextWithPrincipal はコンテキストに利用者を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p model.Principal) context.Context {
	if h, ok := ctx.Value(holderContextKey).(*principalHolder); ok {
		h.email = p.Email
	}
	return context.WithValue(ctx, principalContextKey, p)
}
