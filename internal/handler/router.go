package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/courseauth/internal/metrics"
	"github.com/hitoshi/courseauth/internal/middleware"
	"github.com/hitoshi/courseauth/internal/trust"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer
	HealthChecker     HealthChecker
	SessionResolver   middleware.SessionResolver
	TokenVerifier     middleware.TokenVerifier
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	HSTS              bool
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	SSOLogin    SSOLoginInterface

	// ユーザー
	UserService UserServiceInterface

	// 管理者
	AdminService AdminServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS
//	  ログイン系:   RateLimit(Login)
//	  セッション系: Session → CSRF → RateLimit(General) [→ RequireAdmin]
//	  名簿:         RequireTrustToken(aud=admin)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	ssoHandler := NewSSOHandler(deps.SSOLogin, deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	adminHandler := NewAdminHandler(deps.AdminService)

	// --- 認証不要のルート ---

	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// ログインフロー（クライアント単位のレート制限のみ）
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.LoginMiddleware())

		r.Get("/auth/google/login", authHandler.Login)
		r.Get("/auth/google/callback", authHandler.Callback)
		r.Get("/auth/sso/login", ssoHandler.Login)
		r.Get("/auth/sso/callback", ssoHandler.Callback)
		r.Get("/auth/sso/logout", ssoHandler.Logout)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/auth/me", authHandler.Me)
		r.Post("/auth/logout", authHandler.Logout)
		r.Post("/auth/logout/all", authHandler.LogoutEverywhere)
		r.Post("/auth/token", authHandler.Token)

		r.Post("/api/users/me/consent", userHandler.Consent)

		// 管理者のみ
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireAdminMiddleware())
			r.Post("/api/admin/users", adminHandler.Preregister)
			r.Put("/api/admin/users/{id}/flags", adminHandler.SetFlags)
		})
	})

	// --- トラストトークンで保護するルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRequireTrustTokenMiddleware(deps.TokenVerifier, trust.AudienceAdmin))
		r.Get("/api/admin/roster", adminHandler.Roster)
	})

	return r
}
