package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lifeline/dispatch/internal/config"
	"github.com/lifeline/dispatch/internal/domain/dashboard"
	"github.com/lifeline/dispatch/internal/domain/fleet"
	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/domain/session"
	"github.com/lifeline/dispatch/internal/platform/auth"
	"github.com/lifeline/dispatch/internal/platform/blobstore"
	"github.com/lifeline/dispatch/internal/platform/db"
	"github.com/lifeline/dispatch/internal/platform/logging"
	"github.com/lifeline/dispatch/internal/platform/middleware"
	"github.com/lifeline/dispatch/internal/platform/notification"
	"github.com/lifeline/dispatch/internal/platform/reporting"
	"github.com/lifeline/dispatch/internal/platform/routing"
	"github.com/lifeline/dispatch/internal/platform/telemetry"
	"github.com/lifeline/dispatch/internal/platform/webhook"
	"github.com/lifeline/dispatch/internal/platform/websocket"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatch-server",
		Short: "Emergency dispatch API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(ambulanceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// connect loads the configuration and opens the database pool. Callers own
// the returned pool.
func connect(ctx context.Context, schema string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if schema == "" {
		schema = cfg.DBSchema
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, schema)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx, schema)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx, schema)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			name, _ := cmd.Flags().GetString("name")
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password are required")
			}

			ctx := context.Background()
			_, pool, err := connect(ctx, "")
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := profile.NewService(profile.NewRepoPG(pool), nil, nil, zerolog.Nop())
			p, err := svc.CreateAdmin(ctx, email, password, name)
			if err != nil {
				return err
			}
			fmt.Printf("Created admin %s (%s)\n", p.Email, p.ID)
			return nil
		},
	}
	createCmd.Flags().String("email", "", "Admin email address")
	createCmd.Flags().String("password", "", "Admin password")
	createCmd.Flags().String("name", "", "Display name")

	cmd.AddCommand(createCmd)
	return cmd
}

func ambulanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ambulance",
		Short: "Manage the ambulance fleet",
	}

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Register an ambulance and optionally assign its driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			vehicle, _ := cmd.Flags().GetString("vehicle")
			driver, _ := cmd.Flags().GetString("driver")
			if vehicle == "" {
				return fmt.Errorf("--vehicle is required")
			}

			var driverID *uuid.UUID
			if driver != "" {
				id, err := uuid.Parse(driver)
				if err != nil {
					return fmt.Errorf("invalid --driver: %w", err)
				}
				driverID = &id
			}

			ctx := context.Background()
			_, pool, err := connect(ctx, "")
			if err != nil {
				return err
			}
			defer pool.Close()

			// The insert trigger notifies listeners, so no explicit signal is needed.
			svc := fleet.NewService(fleet.NewRepoPG(pool), nil, nil, nil, zerolog.Nop())
			a, err := svc.Provision(ctx, vehicle, driverID)
			if err != nil {
				return err
			}
			fmt.Printf("Provisioned ambulance %s (%s)\n", a.VehicleID, a.ID)
			return nil
		},
	}
	provisionCmd.Flags().String("vehicle", "", "Vehicle registration")
	provisionCmd.Flags().String("driver", "", "Driver user id")

	cmd.AddCommand(provisionCmd)
	return cmd
}

type landingResponse struct {
	RedirectAfterSeconds int    `json:"redirect_after_seconds"`
	Target               string `json:"target"`
}

// landingHandler publishes the landing page contract. The countdown runs on
// the client.
func landingHandler(seconds int) echo.HandlerFunc {
	if seconds < 0 {
		seconds = 0
	}
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, landingResponse{RedirectAfterSeconds: seconds, Target: "/login"})
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return err
	}

	// Logger
	logger, logCloser := logging.New(logging.Options{
		Env:        cfg.Env,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	// Token revocation
	var revoker auth.Revoker
	if rdb != nil {
		revoker = auth.NewRedisRevoker(rdb, cfg.JWTTTL)
	} else {
		mem := auth.NewMemoryRevoker(cfg.JWTTTL)
		defer mem.Close()
		revoker = mem
	}
	issuer := auth.NewIssuer(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTTTL)

	// Metrics
	tel := telemetry.NewProvider(telemetry.TelemetryConfig{
		ServiceVersion:    version,
		Environment:       cfg.Env,
		RuntimeCollectors: true,
	})
	go tel.WatchPool(ctx, pool, 15*time.Second)

	// Notifications
	hub := websocket.NewHub(logger)
	profileRepo := profile.NewRepoPG(pool)

	var push notification.PushSender
	if cfg.FirebaseCredentialsFile != "" {
		fcm, err := notification.NewFCMSender(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise push notifications")
		}
		push = fcm
		logger.Info().Msg("push notifications enabled")
	}
	notifier := notification.NewDispatcher(hub, notification.NewTemplateEngine(), push, profileRepo, tel, logger)

	// Object storage
	blobs, err := blobstore.NewLocalStore(cfg.BlobDir, cfg.BlobBaseURL, cfg.MaxUploadSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}

	// Fleet change feed
	var source fleet.ChangeSource
	switch cfg.FeedSource {
	case "redis":
		source = fleet.NewRedisSource(rdb, logger)
	case "local":
		source = fleet.NewLocalSignal()
	default:
		source = fleet.NewPGSource(db.NewListener(pool, fleet.PGChannel, logger), logger)
	}
	logger.Info().Str("source", cfg.FeedSource).Msg("fleet feed configured")

	// Domain services
	profileSvc := profile.NewService(profileRepo, blobs, notifier, logger)
	fleetSvc := fleet.NewService(fleet.NewRepoPG(pool), source, notifier, profileSvc, logger)
	fleetSvc.SetStrictTransitions(cfg.StatusTransitionsStrict)

	endpoints, err := webhook.ParseEndpoints(cfg.TrafficWebhookURLs, cfg.WebhookSecret, []string{"ambulance.*"})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid TRAFFIC_WEBHOOK_URLS")
	}
	hooks := webhook.NewManager(endpoints, logger)
	fleetSvc.SetEventPublisher(hooks)
	sessionSvc := session.NewService(profileRepo, issuer, revoker, session.Policy{AdminVerificationExempt: cfg.AdminVerificationExempt}, logger)

	feed := fleet.NewFeed(fleetSvc, source, tel, logger)
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("fleet feed stopped")
		}
	}()

	var routes routing.Provider = &routing.StaticProvider{}
	if cfg.MapsAPIKey != "" {
		g, err := routing.NewGoogleDirections(cfg.MapsBaseURL, cfg.MapsAPIKey, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create directions client")
		}
		routes = g
	} else {
		logger.Warn().Msg("MAPS_API_KEY is empty; route planning is disabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tel.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.Sanitize(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.MaxUploadSize))
	e.Use(middleware.RequestTimeout(middleware.TimeoutConfig{
		Timeout:      30 * time.Second,
		SkipPrefixes: []string{"/ws/"},
		Logger:       logger,
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// Operational endpoints
	var checks []db.Check
	if rdb != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	e.GET("/", landingHandler(cfg.LandingRedirectSeconds))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", tel.PrometheusHandler())
	e.Static("/files", blobs.Dir())

	// API groups
	public := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	api := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), auth.JWTMiddleware(issuer, revoker), middleware.Audit(logger))

	profile.NewHandler(profileSvc).RegisterRoutes(public, api)
	session.NewHandler(sessionSvc).RegisterRoutes(public, api)
	fleet.NewHandler(fleetSvc).RegisterRoutes(api)
	reporting.NewHandler(pool).RegisterRoutes(api)

	// Dashboard sockets
	deps := dashboard.Deps{
		Fleet:               fleetSvc,
		Feed:                feed,
		Profiles:            profileSvc,
		Routes:              routes,
		LocationMinInterval: cfg.LocationMinInterval,
		Metrics:             tel,
		Logger:              logger,
	}
	dashboard.NewHandler(hub, websocket.NewUpgrader(cfg.CORSOrigins), issuer, revoker, sessionSvc, deps, logger).
		RegisterRoutes(e.Group("/ws"))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	hooks.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
