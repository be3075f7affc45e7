// Package app はアプリケーションの初期化と各起動モードの実行を提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/gossip/internal/auth"
	"github.com/hitoshi/gossip/internal/config"
	"github.com/hitoshi/gossip/internal/database"
	"github.com/hitoshi/gossip/internal/handler"
	"github.com/hitoshi/gossip/internal/logger"
	"github.com/hitoshi/gossip/internal/metrics"
	"github.com/hitoshi/gossip/internal/profile"
	"github.com/hitoshi/gossip/internal/repository"
	"github.com/hitoshi/gossip/internal/security"
	"github.com/hitoshi/gossip/internal/tweet"
	"github.com/hitoshi/gossip/internal/view"
	"github.com/hitoshi/gossip/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
// envFilesを省略した場合はカレントディレクトリの.envを読み込む。
func Init(w io.Writer, envFiles ...string) (*config.Config, error) {
	// 1. .envの読み込み（存在しなければ何もしない）
	dotenvErr := config.LoadDotEnv(envFiles...)

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	if dotenvErr != nil {
		slog.Warn("failed to load .env", slog.String("error", dotenvErr.Error()))
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// RunServe はWebサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func RunServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. IdPとリモートサービスのクライアント
	provider := auth.NewProvider(auth.ProviderConfig{
		Name:         cfg.OAuthProvider,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       cfg.OAuthScopes,
		JWTSecret:    cfg.OAuthJWTSecret,
	})

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	profiles := profile.NewClient(httpClient, slog.Default(), collector, cfg.ProfileServiceURL)
	tweets := tweet.NewClient(httpClient, slog.Default(), collector, cfg.BackendURL)

	// 4. ビジットレジストリ
	registryCfg := view.DefaultRegistryConfig()
	registryCfg.IdleTimeout = cfg.VisitIdleTimeout
	registryCfg.CleanupInterval = cfg.VisitCleanupInterval

	registry := view.NewRegistry(view.Deps{
		Sessions:  repository.NewPostgresAuthSessionRepo(db),
		Refresher: provider,
		Profiles:  profiles,
		Tweets:    tweets,
		Provider:  provider.Name(),
		Logger:    slog.Default(),
		Metrics:   collector,
	}, registryCfg)
	defer registry.Stop()

	// 5. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:   slog.Default(),
		Visits:   registry,
		Provider: provider,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieSecure: cfg.CookieSecure,
		},
		CookieSecure:   cfg.CookieSecure,
		CookieDomain:   cfg.CookieDomain,
		Sanitizer:      security.NewContentSanitizer(),
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
	})

	// 6. HTTPサーバーの起動
	// リモート呼び出しにタイムアウトがないため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
			slog.String("base_url", cfg.BaseURL),
			slog.String("provider", provider.Name()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// RunWorker はワーカーモードで起動する。
// 放置されたセッションの削除ジョブを日次で実行し、ctxがキャンセルされるまでブロックする。
func RunWorker(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	job := cleanup.NewCleanupJob(repository.NewPostgresAuthSessionRepo(db), slog.Default())
	job.RetentionDays = cfg.SessionRetentionDays

	slog.Info("worker starting",
		slog.Int("retention_days", job.RetentionDays),
	)

	job.Start(ctx, 24*time.Hour)

	slog.Info("worker stopped gracefully")
	return nil
}

// RunMigrate はデータベースマイグレーションを実行する。
// rollbackが0の場合は未適用のマイグレーションをすべて適用し、正の場合はその数だけ戻す。
func RunMigrate(cfg *config.Config, rollback int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("rollback", rollback),
	)

	var (
		version uint
		err     error
	)
	if rollback > 0 {
		version, err = database.RollbackMigrations(cfg.DatabaseURL, rollback)
	} else {
		version, err = database.RunMigrations(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// RunHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func RunHealthcheck(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
