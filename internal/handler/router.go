package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gossip/internal/middleware"
	"github.com/hitoshi/gossip/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ビジット
	Visits VisitStore

	// 認証
	Provider   AuthProvider
	AuthConfig AuthHandlerConfig

	// Cookie
	CookieSecure bool
	CookieDomain string

	// 描画
	Sanitizer security.ContentSanitizerService

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → Visit → CSRF
//
// /health と /metrics はビジットとCSRFの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = security.NewContentSanitizer()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{
		HSTS: deps.CookieSecure,
	}))

	// --- 運用エンドポイント ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	pageHandler := NewPageHandler(deps.Visits, sanitizer)
	authHandler := NewAuthHandler(deps.Provider, deps.Visits, deps.AuthConfig)

	// --- ビジット単位のルート ---
	// ミドルウェアスタック: Visit → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewVisitMiddleware(middleware.VisitConfig{
			CookieSecure: deps.CookieSecure,
			CookieDomain: deps.CookieDomain,
		}))
		r.Use(middleware.NewCSRFMiddleware(middleware.CSRFConfig{
			CookieSecure: deps.CookieSecure,
			CookieDomain: deps.CookieDomain,
		}))

		r.Get("/", pageHandler.Home)
		r.Get("/api/state", pageHandler.State)

		r.Post("/tweets", pageHandler.PostTweet)
		r.Post("/tweets/refresh", pageHandler.RefreshTweets)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/{provider}/login", authHandler.Login)
			r.Get("/{provider}/callback", authHandler.Callback)
			r.Post("/logout", authHandler.Logout)
		})
	})

	return r
}
