package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	meetbot "github.com/Seann-Moser/meetbot"
	"github.com/Seann-Moser/meetbot/config"
	"github.com/Seann-Moser/meetbot/logging"
	"github.com/Seann-Moser/meetbot/meeting"
	"github.com/Seann-Moser/meetbot/oauth/oclient"
	"github.com/Seann-Moser/meetbot/ratelimit"
	"github.com/Seann-Moser/meetbot/slack"
	"github.com/Seann-Moser/meetbot/sqlstore"
	"github.com/Seann-Moser/meetbot/user"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	globalCommandsPerMinute = 1000
	authRequestsPerMinute   = 60
	janitorSchedule         = "@every 10m"
	limiterIdle             = 30 * time.Minute
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel.String())
	if err != nil {
		slog.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("meetbot stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

type stores struct {
	credentials oclient.CredentialStore
	flows       oclient.FlowStore
	users       user.Store
	meetings    meeting.Store
	closers     []func() error
}

func (s *stores) Close(logger *slog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	sealer, err := oclient.NewAESSealer(cfg.TokenKey)
	if err != nil {
		return fmt.Errorf("token key: %w", err)
	}

	st, err := openStores(ctx, cfg, sealer, logger)
	if err != nil {
		return err
	}
	defer st.Close(logger)

	provider := oclient.NewProvider(oclient.ProviderConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
		Endpoint:     oclient.GoogleEndpoint,
		HTTPClient:   &http.Client{Timeout: cfg.ProviderTimeout},
	})
	manager := oclient.NewManager(st.credentials, st.flows, provider,
		oclient.WithCallTimeout(cfg.ProviderTimeout),
		oclient.WithRefreshSkew(cfg.RefreshSkew),
		oclient.WithFlowTTL(cfg.FlowStateTTL),
		oclient.WithLogger(logger),
	)
	calendar := meeting.NewCalendarClient(meeting.WithHTTPClient(&http.Client{Timeout: cfg.ProviderTimeout}))

	perUser := ratelimit.New(cfg.CommandRatePerMinute, time.Now)
	global := ratelimit.New(globalCommandsPerMinute, time.Now)
	authLimiter := ratelimit.New(authRequestsPerMinute, time.Now)

	bot := meetbot.NewBot(manager, calendar, st.users, st.meetings,
		meetbot.WithLogger(logger),
		meetbot.WithLimiters(perUser, global),
		meetbot.WithPublicBaseURL(cfg.PublicBaseURL),
	)
	srv := meetbot.NewServer(bot, slack.NewVerifier([]byte(cfg.SlackSigningSecret)), manager, st.users,
		meetbot.WithServerLogger(logger),
		meetbot.WithAuthLimiter(authLimiter),
	)

	janitor := cron.New()
	if _, err := janitor.AddFunc(janitorSchedule, func() {
		pruned := 0
		if mem, ok := st.flows.(*oclient.MemoryFlowStore); ok {
			pruned += mem.Prune(time.Now())
		}
		for _, l := range []*ratelimit.Limiter{perUser, global, authLimiter} {
			pruned += l.Prune(limiterIdle)
		}
		logger.Debug("janitor pass", "pruned", pruned)
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	janitor.Start()
	defer janitor.Stop()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("meetbot listening", "addr", server.Addr, "backend", cfg.Backend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg config.Config, sealer oclient.Sealer, logger *slog.Logger) (*stores, error) {
	st := &stores{}

	switch cfg.Backend {
	case config.BackendSQLite, config.BackendPostgres:
		var (
			db  *sqlstore.DB
			err error
		)
		if cfg.Backend == config.BackendSQLite {
			db, err = sqlstore.OpenSQLite(ctx, cfg.SQLiteDSN)
		} else {
			db, err = sqlstore.OpenPostgres(ctx, cfg.PostgresDSN)
		}
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
		}
		st.closers = append(st.closers, db.Close)
		st.credentials = db.Credentials(sealer)
		st.users = db.Users()
		st.meetings = db.Meetings()

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		st.closers = append(st.closers, func() error {
			return client.Disconnect(context.Background())
		})
		db := client.Database(cfg.MongoDatabase)
		creds := oclient.NewMongoCredentialStore(db, sealer)
		if err := creds.EnsureIndexes(ctx); err != nil {
			st.Close(logger)
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		st.credentials = creds
		st.users = user.NewMongoDBStore(db, "")
		st.meetings = meeting.NewMongoStore(db)

	case config.BackendMemory:
		logger.Warn("using in-memory storage; grants are lost on restart")
		st.credentials = oclient.NewMemoryCredentialStore()
		st.users = user.NewMemoryStore()
		st.meetings = meeting.NewMemoryStore()

	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			st.Close(logger)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		st.closers = append(st.closers, rdb.Close)
		st.flows = oclient.NewRedisFlowStore(rdb)
	} else {
		st.flows = oclient.NewMemoryFlowStore(time.Now)
	}
	return st, nil
}
