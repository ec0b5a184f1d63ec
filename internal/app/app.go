package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/courseauth/internal/adapter"
	"github.com/hitoshi/courseauth/internal/auth"
	"github.com/hitoshi/courseauth/internal/cohort"
	"github.com/hitoshi/courseauth/internal/config"
	"github.com/hitoshi/courseauth/internal/database"
	"github.com/hitoshi/courseauth/internal/handler"
	"github.com/hitoshi/courseauth/internal/identifier"
	"github.com/hitoshi/courseauth/internal/logger"
	"github.com/hitoshi/courseauth/internal/metrics"
	"github.com/hitoshi/courseauth/internal/middleware"
	"github.com/hitoshi/courseauth/internal/security"
	"github.com/hitoshi/courseauth/internal/sso"
	"github.com/hitoshi/courseauth/internal/store"
	"github.com/hitoshi/courseauth/internal/trust"
	"github.com/hitoshi/courseauth/internal/worker/cleanup"
)

// keygenBits はkeygenサブコマンドが生成するRSA鍵の長さ。
const keygenBits = 2048

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck と keygen は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandKeygen:
		return runKeygen(w)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("store_backend", cfg.StoreBackend),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// Server は依存関係をワイヤリング済みのHTTPハンドラーと、その後始末を保持する。
type Server struct {
	Handler http.Handler

	closers []func()
}

// Close はバックグラウンドで動くコンポーネントを生成と逆順に停止する。
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// BuildServer はConfigから全依存関係を組み立てる。
//
// ストア経路: TxRunner(postgres|memory) → Boundary → Proxy → Adapter
// 外向き通信: Google OAuth は SSRF防止クライアント、学内SSOはタイムアウト付きクライアント
func BuildServer(ctx context.Context, cfg *config.Config, registry *prometheus.Registry) (*Server, error) {
	srv := &Server{}
	fail := func(err error) (*Server, error) {
		srv.Close()
		return nil, err
	}

	collector := metrics.NewCollector(registry)

	// 1. ストア
	backend, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	srv.closers = append(srv.closers, backend.close)
	runner := backend.runner

	boundary := store.NewBoundary(runner, store.BoundaryConfig{
		Workers:   cfg.StoreWorkers,
		QueueSize: cfg.StoreQueue,
		Observer:  collector,
	})
	boundary.Start()
	srv.closers = append(srv.closers, boundary.Stop)

	proxy := store.NewProxy(boundary)
	accounts := adapter.New(proxy)

	// 2. トラストトークンと仮名化
	tokens, err := trust.NewService(trust.Config{
		Issuer:     cfg.BaseURL,
		PrivateKey: cfg.TrustPrivateKey,
		PublicKey:  cfg.TrustPublicKey,
		TTL:        cfg.TrustTokenTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to initialize trust tokens: %w", err))
	}
	hasher := identifier.New(cfg.PseudonymSalt)

	// 3. 外部IdP
	guard := security.NewSSRFGuard()
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HostedDomain: cfg.GoogleHostedDomain,
		AccessType:   cfg.GoogleAccessType,
		Timeout:      cfg.OutboundTimeout,
		HTTPClient:   guard.NewSafeClient(cfg.OutboundTimeout),
	})
	// 学内SSOサーバーは学内ネットワークに置かれることが多いため、SSRF防止クライアントは使わない。
	ssoClient := sso.NewClient(sso.Config{
		Host:        cfg.SSOHost,
		Port:        cfg.SSOPort,
		Scheme:      cfg.SSOScheme,
		BasePath:    cfg.SSOBasePath,
		ServiceName: cfg.SSOServiceName,
		Timeout:     cfg.OutboundTimeout,
	}, &http.Client{Timeout: cfg.OutboundTimeout}, slog.Default())

	// 4. ドメインサービス
	retryMax := cfg.BackendRetryMax
	if retryMax < 1 {
		retryMax = 1
	}
	authService := auth.NewService(auth.ServiceDeps{
		OAuth:    oauthProvider,
		Accounts: accounts,
		Tx:       runner,
		Cohort:   cohort.NewAssigner(proxy, cfg.CohortGroups),
		Tokens:   tokens,
		Hasher:   hasher,
		Metrics:  collector,
	}, auth.ServiceConfig{
		SessionExpires: cfg.SessionExpires,
		SessionMaxAge:  time.Duration(cfg.SessionMaxAge) * time.Second,
		RetryMaxTries:  uint(retryMax),
	})
	ssoLogin := auth.NewSSOLogin(ssoClient, authService, hasher, cfg.BaseURL+"/auth/sso/callback")

	slog.Info("identity providers",
		slog.Bool("google", cfg.GoogleClientID != "" && cfg.GoogleClientSecret != ""),
		slog.Bool("institutional_sso", ssoClient.IsConfigured()),
		slog.Bool("trust_tokens", cfg.TrustPrivateKey != "" || cfg.TrustPublicKey != ""),
	)

	// 5. ルーター
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	srv.closers = append(srv.closers, rateLimiter.Stop)

	srv.Handler = handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		Metrics:         collector,
		MetricsGatherer: registry,
		HealthChecker:   backend.health,
		SessionResolver: authService,
		TokenVerifier:   authService,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.HSTS,
		RateLimiter:       rateLimiter,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: sessionCookieMaxAge(cfg),
			TokenTTL:      tokens.TTL(),
		},
		SSOLogin: ssoLogin,

		UserService:  authService,
		AdminService: authService,
	})

	// 6. 期限付きセッションの定期削除
	if cfg.SessionExpires {
		jobCtx, cancel := context.WithCancel(context.Background())
		job := cleanup.NewCleanupJob(backend.sweeper, slog.Default())
		job.Interval = cfg.SessionCleanupInterval
		done := make(chan struct{})
		go func() {
			defer close(done)
			job.Start(jobCtx)
		}()
		srv.closers = append(srv.closers, func() {
			cancel()
			<-done
		})
	}

	return srv, nil
}

// sessionCookieMaxAge はセッションCookieのMax-Ageを返す。
// 期限なしのセッションではブラウザセッション限りのCookieにする。
func sessionCookieMaxAge(cfg *config.Config) int {
	if !cfg.SessionExpires {
		return 0
	}
	return cfg.SessionMaxAge
}

// storeBackend は設定で選ばれたストア実装と、それに付随する操作をまとめる。
type storeBackend struct {
	runner  store.TxRunner
	health  handler.HealthChecker
	sweeper cleanup.ExpiredSessionDeleter
	close   func()
}

// openStore は設定に応じたストア実装を開く。
func openStore(ctx context.Context, cfg *config.Config) (*storeBackend, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		db := store.NewMemoryDB()
		return &storeBackend{runner: db, health: db, sweeper: db, close: func() {}}, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	runner := store.NewPostgresTxRunner(db)
	return &storeBackend{runner: runner, health: db, sweeper: runner, close: func() { db.Close() }}, nil
}

// rateLimiterConfig はreq/min単位の設定をreq/secのレート制限設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitLogin > 0 {
		rl.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rl.LoginBurst = cfg.RateLimitLogin
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := BuildServer(context.Background(), cfg, registry)
	if err != nil {
		return err
	}
	defer srv.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Info("in-memory store needs no migrations")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runKeygen はトラストトークン用のRSA鍵ペアを生成してPEM形式で出力する。
// 出力をそのまま TRUST_PRIVATE_KEY / TRUST_PUBLIC_KEY に設定できる。
func runKeygen(w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	privatePEM, publicPEM, err := trust.GenerateKeyPair(keygenBits)
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	if _, err := fmt.Fprint(w, privatePEM, publicPEM); err != nil {
		return fmt.Errorf("failed to write key pair: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
