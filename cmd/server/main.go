package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/pscheid92/consultline/internal/adapter/eventpublisher"
	"github.com/pscheid92/consultline/internal/adapter/httpserver"
	"github.com/pscheid92/consultline/internal/adapter/memory"
	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/adapter/postgres"
	"github.com/pscheid92/consultline/internal/adapter/redis"
	"github.com/pscheid92/consultline/internal/adapter/websocket"
	"github.com/pscheid92/consultline/internal/app"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/config"
	"github.com/pscheid92/consultline/internal/platform/logging"
	"github.com/pscheid92/consultline/internal/platform/version"
)

const leaderJobAudit = "ledger-audit"

// coordination holds the cross-instance pieces. Without Redis every field
// except presence and lease stays nil and the process runs standalone.
type coordination struct {
	client   *goredis.Client
	presence domain.PresenceRegistry
	lease    domain.BillingLease
	bus      *redis.DeliveryBus
	leader   *redis.LeaderElector
}

type shutdownDeps struct {
	srv         *httpserver.Server
	hub         *websocket.Hub
	sessions    *app.SessionService
	auditCron   *cron.Cron
	leader      *redis.LeaderElector
	stopReaper  context.CancelFunc
	unsubscribe func()
}

func runGracefulShutdown(deps shutdownDeps) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := deps.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		deps.stopReaper()
		deps.hub.Stop()
		deps.sessions.Shutdown()

		if deps.auditCron != nil {
			<-deps.auditCron.Stop().Done()
		}
		if deps.leader != nil {
			if err := deps.leader.Release(shutdownCtx); err != nil {
				slog.Warn("Failed to release leadership", "error", err)
			}
		}
		if deps.unsubscribe != nil {
			deps.unsubscribe()
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, m *metrics.DatabaseMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

func setupCoordination(ctx context.Context, cfg *config.Config, clock clockwork.Clock, m *metrics.RedisMetrics) coordination {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL not set, running as a single instance with in-memory presence")
		return coordination{
			presence: memory.NewPresenceRegistry(clock, cfg.PresenceTTL),
			lease:    memory.NewBillingLease(clock, cfg.BillingLeaseTTL, cfg.InstanceID),
		}
	}

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	return coordination{
		client:   client,
		presence: redis.NewPresenceRegistry(client, cfg.PresenceTTL),
		lease:    redis.NewBillingLease(client, cfg.BillingLeaseTTL, cfg.InstanceID),
		bus:      redis.NewDeliveryBus(client),
		leader:   redis.NewLeaderElector(client, cfg.InstanceID, leaderJobAudit, 5*time.Minute),
	}
}

func healthChecks(pool *pgxpool.Pool, client *goredis.Client) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "migrations", Check: func(ctx context.Context) error { return postgres.CheckSchema(ctx, pool) }},
	}
	if client != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}
	return checks
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat, "instance_id", cfg.InstanceID)
	build := version.Get(cfg.InstanceID)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", build.Version, "commit", build.Commit)

	reg := metrics.NewRegistry(build)
	var (
		dbMetrics      = metrics.NewDatabaseMetrics(reg)
		redisMetrics   = metrics.NewRedisMetrics(reg)
		wsMetrics      = metrics.NewWebSocketMetrics(reg)
		httpMetrics    = metrics.NewHTTPMetrics(reg)
		sessionMetrics = metrics.NewSessionMetrics(reg)
		billingMetrics = metrics.NewBillingMetrics(reg)
		ledgerMetrics  = metrics.NewLedgerMetrics(reg)
	)

	pool := setupDB(cfg, dbMetrics)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := setupCoordination(ctx, cfg, clock, redisMetrics)
	if coord.client != nil {
		defer func() { _ = coord.client.Close() }()
	}

	userRepo := postgres.NewUserRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	walletRepo := postgres.NewWalletRepo(pool)
	chatRepo := postgres.NewChatRepo(pool)

	hub := websocket.NewHub(clock, wsMetrics)

	// Pass nil explicitly to avoid a typed-nil interface
	var bus eventpublisher.RemoteBus
	if coord.bus != nil {
		bus = coord.bus
	}
	publisher := eventpublisher.New(coord.presence, hub, bus, cfg.InstanceID, wsMetrics)

	var unsubscribe func()
	if coord.bus != nil {
		stop, err := coord.bus.Subscribe(ctx, cfg.InstanceID, publisher.HandleDelivery)
		if err != nil {
			slog.Error("Failed to subscribe to deliveries", "error", err)
			os.Exit(1)
		}
		unsubscribe = stop
	}

	sessionCfg := app.SessionConfig{
		ChatTick:          cfg.ChatTick,
		CallTick:          cfg.CallTick,
		RingTimeout:       cfg.RingTimeout,
		MinBalanceMinutes: cfg.MinBalanceMinutes,
		CommissionBps:     cfg.CommissionBps,
		StaleAfter:        cfg.StaleSessionAfter,
	}
	meterCfg := app.DefaultMeterConfig()
	meterCfg.DisconnectGrace = cfg.DisconnectGrace
	meterCfg.LowBalanceWarn = cfg.LowBalanceWarn
	meterCfg.MaxTickFailures = cfg.MaxTickFailures

	sessions := app.NewSessionService(app.SessionDeps{
		Users:          userRepo,
		Wallets:        walletRepo,
		Sessions:       sessionRepo,
		Presence:       coord.presence,
		Lease:          coord.lease,
		Notifier:       publisher,
		Metrics:        sessionMetrics,
		BillingMetrics: billingMetrics,
	}, sessionCfg, meterCfg, clock)
	relay := app.NewRelay(sessionRepo, chatRepo, publisher, clock)
	wallets := app.NewWalletService(userRepo, walletRepo, ledgerMetrics)

	reaperCtx, stopReaper := context.WithCancel(ctx)
	go app.NewReaper(sessions, cfg.ReapInterval, clock).Run(reaperCtx)

	var leader app.Leader
	if coord.leader != nil {
		leader = coord.leader
	}
	auditCron, err := app.NewLedgerAuditor(walletRepo, leader, ledgerMetrics).Schedule(cfg.LedgerAuditSchedule)
	if err != nil {
		slog.Error("Failed to schedule ledger audit", "error", err)
		os.Exit(1)
	}

	pingInterval := cfg.PresenceTTL / 3
	gateway := websocket.NewGateway(websocket.Config{
		InstanceID:          cfg.InstanceID,
		AppURL:              cfg.AppURL,
		AllowedOrigins:      cfg.AllowedOrigins,
		Development:         !cfg.IsProduction(),
		MaxConnections:      int64(cfg.MaxWebSocketConnections),
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		FrameRate:           cfg.FrameRatePerSecond,
		FrameBurst:          cfg.FrameBurst,
		PingInterval:        pingInterval,
		PongWait:            2 * pingInterval,
	}, websocket.GatewayDeps{
		Users:     userRepo,
		Sessions:  sessions,
		Relay:     relay,
		Presence:  coord.presence,
		Deliverer: publisher,
		Hub:       hub,
		Clock:     clock,
		Metrics:   wsMetrics,
	})

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Sessions:         sessions,
		Wallets:          wallets,
		Transcripts:      relay,
		WebsocketHandler: gateway.HandleWebSocket,
		MetricsHandler:   metrics.Handler(reg),
		HTTPMetrics:      httpMetrics,
		HealthChecks:     healthChecks(pool, coord.client),
	})

	done := runGracefulShutdown(shutdownDeps{
		srv:         srv,
		hub:         hub,
		sessions:    sessions,
		auditCron:   auditCron,
		leader:      coord.leader,
		stopReaper:  stopReaper,
		unsubscribe: unsubscribe,
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
