package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/garagegate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	HSTS              bool

	// ヘルスチェックとメトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	Access      AccessChecker
	AuthConfig  AuthHandlerConfig

	// ゲート
	Gate         GateInterface
	Grants       GrantIssuer
	GarageConfig GarageHandlerConfig

	// 管理
	AdminAuthz         AdminAuthzInterface
	CodeAdmin          CodeAdminInterface
	Activity           ActivityReader
	DeviceHealth       DeviceHealthChecker
	DefaultCodeTTLHour int
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Session → RateLimit → CSRF → Admin
//
// 認証前のルートはIPアドレス単位、認証後のルートは利用者単位でレート制限する。
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Access, deps.AuthConfig)
	garageHandler := NewGarageHandler(deps.Gate, deps.Grants, deps.GarageConfig)
	adminHandler := NewAdminHandler(deps.AdminAuthz, deps.CodeAdmin, deps.Activity, deps.DeviceHealth, deps.DefaultCodeTTLHour)

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.Middleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// 認証ルート（OAuthフロー）
		r.Route("/auth", func(r chi.Router) {
			r.Get("/google/login", authHandler.Login)
			r.Get("/google/callback", authHandler.Callback)
			r.With(middleware.NewCSRFMiddleware(deps.CSRF)).Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.Middleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Post("/api/access/verify-code", garageHandler.VerifyCode)

		r.Route("/api/garage", func(r chi.Router) {
			r.Post("/control", garageHandler.Control)
			r.Get("/status", garageHandler.Status)
			r.Post("/check-location", garageHandler.CheckLocation)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.NewAdminMiddleware(deps.Access.IsAdmin))

			r.Get("/users", adminHandler.ListUsers)
			r.Post("/users", adminHandler.AddUser)
			r.Delete("/users/{email}", adminHandler.RemoveUser)

			r.Get("/blacklist", adminHandler.ListBlacklist)
			r.Post("/blacklist", adminHandler.AddBlacklist)
			r.Delete("/blacklist/{email}", adminHandler.RemoveBlacklist)

			r.Post("/codes", adminHandler.GenerateCode)
			r.Get("/codes/stats", adminHandler.CodeStats)
			r.Post("/codes/cleanup", adminHandler.CleanupCodes)

			r.Get("/maintenance", adminHandler.GetMaintenance)
			r.Put("/maintenance", adminHandler.SetMaintenance)
			r.Get("/settings", adminHandler.GetSettings)
			r.Put("/settings", adminHandler.UpdateSettings)

			r.Get("/activity-log", adminHandler.ActivityLog)
			r.Get("/active-users", adminHandler.ActiveUsers)
			r.Get("/system-health", adminHandler.SystemHealth)
		})
	})

	return r
}
