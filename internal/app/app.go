package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/vidsum/vidsum-api/internal/api"
	"github.com/vidsum/vidsum-api/internal/config"
	"github.com/vidsum/vidsum-api/internal/services/ai"
	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/cache"
	"github.com/vidsum/vidsum-api/internal/services/credits"
	"github.com/vidsum/vidsum-api/internal/services/database"
	"github.com/vidsum/vidsum-api/internal/services/media"
	"github.com/vidsum/vidsum-api/internal/services/middleware"
	"github.com/vidsum/vidsum-api/internal/services/notification"
	"github.com/vidsum/vidsum-api/internal/services/payment"
	"github.com/vidsum/vidsum-api/internal/services/ratelimit"
	"github.com/vidsum/vidsum-api/internal/services/subscription"
	"github.com/vidsum/vidsum-api/internal/services/summarize"
	"github.com/vidsum/vidsum-api/internal/services/taskqueue"
)

// App is one configured server instance.
type App struct {
	config *config.Config
	app    *fiber.App
	redis  *redis.Client
	db     *database.DB
	queue  *taskqueue.Queue
	cron   *cron.Cron
}

type services struct {
	verifier      auth.Verifier
	ledger        *credits.LedgerService
	cacheSvc      *cache.Service
	limiter       *ratelimit.Limiter
	orchestrator  *summarize.Orchestrator
	coordinator   *payment.Coordinator
	reconciler    *payment.Reconciler
	alipay        *payment.AlipayProvider
	wechat        *payment.WechatProvider
	stripe        *payment.StripeProvider
	subscriptions *subscription.Service
	bilibili      *subscription.BilibiliClient
	poller        *subscription.Poller
	notifications *notification.Service
}

func New(cfg *config.Config) *App {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() to create one")
	}
	return &App{config: cfg}
}

// Run starts the server and blocks until shutdown.
func (a *App) Run() error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(a.config)

	port := a.config.Server.Port
	if port == "" {
		port = "8080"
	}
	listenAddr := ":" + port

	a.app = createFiberApp(a.config)

	db, err := database.New(*a.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	defer func() {
		if err := a.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()

	a.redis, err = createRedisClient(a.config)
	if err != nil {
		return err
	}
	if a.redis != nil {
		defer func() {
			if err := a.redis.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
	}

	svcs, err := a.initializeServices()
	if err != nil {
		return err
	}
	defer a.queue.Stop()

	setupMiddleware(a.app, a.config)
	a.setupRoutes(svcs)
	a.startJobs(svcs)
	defer a.cron.Stop()

	fmt.Printf("vidsum-api starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", a.config.Server.Environment)
	fmt.Printf("   Go version: %s\n", runtime.Version())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := a.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	fiberlog.Info("Server shutting down gracefully...")
	if err := a.app.ShutdownWithTimeout(30 * time.Second); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	fiberlog.Info("Server shutdown completed successfully")
	return nil
}

func (a *App) initializeServices() (*services, error) {
	cfg := a.config

	ledger, err := credits.NewLedgerService(a.db, cfg.Credits.InitialGrant, cfg.Credits.FirstSummaryBonus)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credit ledger: %w", err)
	}

	cacheSvc, err := cache.NewService(a.db, a.redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize summary cache: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	a.queue = taskqueue.New(cfg.Queue.Workers, cfg.Queue.Depth, cfg.Queue.MaxRetries, cfg.Queue.SubmitTimeout)
	a.queue.Start(context.Background())

	fetcher, err := media.NewYtDlpFetcher(cfg.Media.YtDlpPath, cfg.Media.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize media fetcher: %w", err)
	}

	aiClient := ai.NewGeminiClient(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.RequestTimeout)

	idem, err := payment.NewIdempotencyManager(a.db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize idempotency manager: %w", err)
	}
	coordinator, err := payment.NewCoordinator(a.db, ledger, idem, cfg.Payments.Plans)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize payment coordinator: %w", err)
	}

	svcs := &services{
		ledger:      ledger,
		cacheSvc:    cacheSvc,
		limiter:     limiter,
		coordinator: coordinator,
		reconciler:  payment.NewReconciler(a.db, coordinator),
	}

	if pc := cfg.Payments.Alipay; pc.AppID != "" {
		svcs.alipay, err = payment.NewAlipayProvider(payment.AlipayConfig{
			AppID:      pc.AppID,
			PrivateKey: pc.PrivateKey,
			PublicKey:  pc.PublicKey,
			NotifyURL:  pc.NotifyURL,
			Gateway:    pc.Gateway,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize alipay provider: %w", err)
		}
		coordinator.RegisterProvider(svcs.alipay)
	}
	if pc := cfg.Payments.Wechat; pc.MchID != "" {
		svcs.wechat, err = payment.NewWechatProvider(payment.WechatConfig{
			AppID:      pc.AppID,
			MchID:      pc.MchID,
			SerialNo:   pc.SerialNo,
			APIv3Key:   pc.APIv3Key,
			PrivateKey: pc.PrivateKey,
			NotifyURL:  pc.NotifyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize wechat provider: %w", err)
		}
		coordinator.RegisterProvider(svcs.wechat)
	}
	if pc := cfg.Payments.Stripe; pc.SecretKey != "" {
		svcs.stripe = payment.NewStripeProvider(payment.StripeConfig{
			SecretKey:     pc.SecretKey,
			WebhookSecret: pc.WebhookSecret,
			SuccessURL:    pc.SuccessURL,
			CancelURL:     pc.CancelURL,
		}, coordinator)
		coordinator.RegisterProvider(svcs.stripe)
	}

	var chain auth.Chain
	if cfg.Auth.ClerkSecretKey != "" {
		chain = append(chain, auth.NewClerkVerifier(cfg.Auth.ClerkSecretKey))
	}
	if cfg.Auth.JWTSecret != "" {
		chain = append(chain, auth.NewHS256Verifier(cfg.Auth.JWTSecret))
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no auth verifier configured: set auth.clerk_secret_key or auth.jwt_secret")
	}
	svcs.verifier = chain

	svcs.orchestrator, err = summarize.NewOrchestrator(
		svcs.verifier, limiter, cacheSvc, ledger, a.queue, fetcher, aiClient, coordinator, a.db,
		summarize.Options{
			SummaryCost: cfg.Credits.SummaryCost,
			MediaDir:    cfg.Media.Dir,
			MediaMaxAge: cfg.Media.MaxAge,
			IsAdmin:     cfg.IsAdmin,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	svcs.subscriptions, err = subscription.NewService(a.db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize subscriptions: %w", err)
	}
	svcs.bilibili = subscription.NewBilibiliClient("")

	svcs.notifications, err = notification.NewService(a.db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifications: %w", err)
	}
	svcs.notifications.RegisterSink("email", notification.EmailSink{})
	svcs.notifications.RegisterSink("browser", notification.BrowserSink{})

	svcs.poller = subscription.NewPoller(svcs.subscriptions, svcs.bilibili, svcs.notifications, cfg.Poller.RequestPacing)

	return svcs, nil
}

func (a *App) setupRoutes(svcs *services) {
	requireAuth := middleware.RequireAuth(svcs.verifier)

	healthHandler := api.NewHealthHandler(a.db, a.redis)
	a.app.Get("/health", healthHandler.HealthCheck)

	summarizeHandler := api.NewSummarizeHandler(svcs.orchestrator)
	a.app.Get("/api/summarize", summarizeHandler.Stream)

	creditsHandler := api.NewCreditsHandler(svcs.ledger)
	a.app.Get("/api/credits/balance", requireAuth, creditsHandler.GetBalance)
	a.app.Get("/api/credits/history", requireAuth, creditsHandler.GetHistory)

	paymentsHandler := api.NewPaymentsHandler(svcs.coordinator, svcs.alipay, svcs.wechat, svcs.stripe)
	a.app.Post("/api/payments/create", requireAuth, paymentsHandler.CreateOrder)
	a.app.Get("/api/payments/status/:id", requireAuth, paymentsHandler.GetStatus)
	a.app.Get("/api/payments/plans", paymentsHandler.ListPlans)
	a.app.Post("/api/payments/callback/alipay", paymentsHandler.AlipayCallback)
	a.app.Post("/api/payments/callback/wechat", paymentsHandler.WechatCallback)
	a.app.Post("/api/payments/webhook/stripe", paymentsHandler.StripeWebhook)

	subsHandler := api.NewSubscriptionsHandler(svcs.subscriptions, svcs.bilibili)
	a.app.Post("/api/subscriptions", requireAuth, subsHandler.Subscribe)
	a.app.Delete("/api/subscriptions/:id", requireAuth, subsHandler.Unsubscribe)
	a.app.Get("/api/subscriptions", requireAuth, subsHandler.List)
	a.app.Get("/api/subscriptions/search", requireAuth, subsHandler.SearchCreators)

	notifHandler := api.NewNotificationsHandler(svcs.notifications)
	a.app.Get("/api/notifications", requireAuth, notifHandler.List)

	if a.config.Auth.ClerkWebhookSecret != "" {
		clerkHandler := api.NewClerkWebhookHandler(a.config.Auth.ClerkWebhookSecret, svcs.ledger)
		a.app.Post("/api/webhooks/clerk", clerkHandler.HandleWebhook)
	}
}

// startJobs registers the recurring maintenance work: the creator poller,
// the notification drain, payment reconciliation and the cache/media sweeps.
func (a *App) startJobs(svcs *services) {
	a.cron = cron.New()

	pollSpec := fmt.Sprintf("@every %s", a.config.Poller.Interval)
	mustAddJob(a.cron, pollSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Poller.Interval)
		defer cancel()
		if _, err := svcs.poller.CheckAll(ctx); err != nil {
			fiberlog.Errorf("subscription poll failed: %v", err)
		}
	})

	drainSpec := fmt.Sprintf("@every %s", a.config.Poller.DrainInterval)
	mustAddJob(a.cron, drainSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Poller.DrainInterval)
		defer cancel()
		sent, failed, err := svcs.notifications.Drain(ctx)
		if err != nil {
			fiberlog.Errorf("notification drain failed: %v", err)
			return
		}
		if sent+failed > 0 {
			fiberlog.Infof("notification drain: %d sent, %d failed", sent, failed)
		}
	})

	mustAddJob(a.cron, "@every 10m", func() {
		result, err := svcs.reconciler.Run(true)
		if err != nil {
			fiberlog.Errorf("payment reconciliation failed: %v", err)
			return
		}
		if len(result.Issues) > 0 {
			fiberlog.Warnf("reconciliation found %d issues, fixed %d", len(result.Issues), result.FixedCount)
		}
	})

	mustAddJob(a.cron, "@every 1h", func() {
		if removed, err := svcs.cacheSvc.Sweep(30 * 24 * time.Hour); err != nil {
			fiberlog.Errorf("cache sweep failed: %v", err)
		} else if removed > 0 {
			fiberlog.Infof("cache sweep removed %d entries", removed)
		}
		if removed, err := media.Sweep(a.config.Media.Dir, a.config.Media.MaxAge); err != nil {
			fiberlog.Errorf("media sweep failed: %v", err)
		} else if removed > 0 {
			fiberlog.Infof("media sweep removed %d files", removed)
		}
	})

	a.cron.Start()
}

func mustAddJob(c *cron.Cron, spec string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		panic(fmt.Sprintf("invalid cron spec %q: %v", spec, err))
	}
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "vidsum-api v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       2 * time.Minute,
		// Summaries stream for as long as the AI takes.
		WriteTimeout:   0,
		IdleTimeout:    5 * time.Minute,
		ReadBufferSize: 8192,
		CaseSensitive:  true,
		ServerHeader:   "vidsum-api",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	allowedOrigins := cfg.Server.AllowedOrigins
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization",
		AllowMethods:  "GET, POST, PUT, DELETE, OPTIONS",
		MaxAge:        86400,
		ExposeHeaders: "Content-Length, Content-Type",
	}))

	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	switch cfg.GetNormalizedLogLevel() {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info", "":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", cfg.Server.LogLevel)
	}
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		fiberlog.Info("Redis not configured - summary cache runs on the database only")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		fiberlog.Warnf("Redis ping failed, continuing without it: %v", err)
		_ = client.Close()
		return nil, nil
	}
	return client, nil
}
