package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pscheid92/consultline/internal/adapter/eventpublisher"
	"github.com/pscheid92/consultline/internal/adapter/memory"
	"github.com/pscheid92/consultline/internal/adapter/postgres"
	"github.com/pscheid92/consultline/internal/adapter/redis"
	"github.com/pscheid92/consultline/internal/app"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/logging"
)

const connectTimeout = 10 * time.Second

type options struct {
	databaseURL string
	redisURL    string
	verbose     bool
	staleAfter  time.Duration
	ringTimeout time.Duration
}

// env bundles the services a command runs against. It is built once per
// invocation in PersistentPreRunE.
type env struct {
	pool     *pgxpool.Pool
	rdb      *goredis.Client
	users    *postgres.UserRepo
	sessions *postgres.SessionRepo
	wallets  *postgres.WalletRepo

	sessionSvc *app.SessionService
	walletSvc  *app.WalletService
	auditor    *app.LedgerAuditor
	clock      clockwork.Clock
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	e := &env{}

	root := &cobra.Command{
		Use:           "consultctl",
		Short:         "Operator tooling for the consultation service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := "info"
			if opts.verbose {
				level = "debug"
			}
			logging.InitLogger(level, "text", "component", "consultctl")
			return e.open(cmd.Context(), opts)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			e.close()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.databaseURL, "database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
	flags.StringVar(&opts.redisURL, "redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
	flags.BoolVar(&opts.verbose, "verbose", false, "Verbose logging")
	flags.DurationVar(&opts.staleAfter, "stale-after", 2*time.Minute, "Silence after which an unbilled active session is an orphan")
	flags.DurationVar(&opts.ringTimeout, "ring-timeout", 45*time.Second, "Age after which a ringing session is missed")

	root.AddCommand(
		newReapCmd(e, opts),
		newCreditCmd(e),
		newSessionCmd(e),
		newAuditCmd(e),
		newUserCmd(e),
	)
	return root
}

func (e *env) open(ctx context.Context, opts *options) error {
	if opts.databaseURL == "" {
		return fmt.Errorf("database URL required (--database or DATABASE_URL env)")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, opts.databaseURL, nil)
	if err != nil {
		return err
	}
	e.pool = pool
	slog.Debug("Connected to Postgres", "url", sanitizeURL(opts.databaseURL))

	e.clock = clockwork.NewRealClock()
	e.users = postgres.NewUserRepo(pool)
	e.sessions = postgres.NewSessionRepo(pool)
	e.wallets = postgres.NewWalletRepo(pool)

	holder := fmt.Sprintf("consultctl-%d", os.Getpid())

	// Without Redis there is no shared presence, lease or bus; ended
	// sessions are still recorded but nobody is notified.
	var (
		presence domain.PresenceRegistry
		lease    domain.BillingLease
		bus      eventpublisher.RemoteBus
	)
	if opts.redisURL != "" {
		rdb, err := redis.NewClient(ctx, opts.redisURL, nil)
		if err != nil {
			return err
		}
		e.rdb = rdb
		slog.Debug("Connected to Redis", "url", sanitizeURL(opts.redisURL))
		presence = redis.NewPresenceRegistry(rdb, time.Minute)
		lease = redis.NewBillingLease(rdb, 15*time.Second, holder)
		bus = redis.NewDeliveryBus(rdb)
	} else {
		presence = memory.NewPresenceRegistry(e.clock, time.Minute)
		lease = memory.NewBillingLease(e.clock, 15*time.Second, holder)
	}

	notifier := eventpublisher.New(presence, offlineHub{}, bus, holder, nil)

	cfg := app.DefaultSessionConfig()
	cfg.StaleAfter = opts.staleAfter
	cfg.RingTimeout = opts.ringTimeout

	e.sessionSvc = app.NewSessionService(app.SessionDeps{
		Users:    e.users,
		Wallets:  e.wallets,
		Sessions: e.sessions,
		Presence: presence,
		Lease:    lease,
		Notifier: notifier,
	}, cfg, app.DefaultMeterConfig(), e.clock)
	e.walletSvc = app.NewWalletService(e.users, e.wallets, nil)
	e.auditor = app.NewLedgerAuditor(e.wallets, nil, nil)
	return nil
}

func (e *env) close() {
	if e.sessionSvc != nil {
		e.sessionSvc.Shutdown()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// offlineHub holds no sockets; every event goes through the bus.
type offlineHub struct{}

func (offlineHub) Send(string, []byte, bool) bool { return false }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sanitizeURL(url string) string {
	// Hide password in connection URLs for logging
	if strings.Contains(url, "@") {
		parts := strings.SplitN(url, "@", 2)
		credParts := strings.Split(parts[0], ":")
		if len(credParts) >= 3 {
			return credParts[0] + ":" + credParts[1] + ":***@" + parts[1]
		}
	}
	return url
}
