package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/chatdock/chatdock/internal/channel"
	"github.com/chatdock/chatdock/internal/channel/adapters/instagram"
	"github.com/chatdock/chatdock/internal/channel/adapters/messenger"
	"github.com/chatdock/chatdock/internal/channel/adapters/telegram"
	"github.com/chatdock/chatdock/internal/channel/adapters/webwidget"
	"github.com/chatdock/chatdock/internal/config"
	"github.com/chatdock/chatdock/internal/conversation"
	"github.com/chatdock/chatdock/internal/db"
	"github.com/chatdock/chatdock/internal/handlers"
	"github.com/chatdock/chatdock/internal/ingest"
	"github.com/chatdock/chatdock/internal/lock"
	"github.com/chatdock/chatdock/internal/logger"
	"github.com/chatdock/chatdock/internal/notify"
	"github.com/chatdock/chatdock/internal/outbound"
	"github.com/chatdock/chatdock/internal/reply"
	"github.com/chatdock/chatdock/internal/server"
	"github.com/chatdock/chatdock/internal/vault"
)

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideRedis(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideKeybox(cfg config.Config) (*vault.Keybox, error) {
	return vault.NewKeybox(cfg.Vault.MasterKey)
}

func provideLockCoordinator(log *slog.Logger, cfg config.Config, client *redis.Client) lock.Coordinator {
	wait := config.Duration(cfg.Ingest.LockWait, config.DefaultLockWait)
	return lock.NewRedisCoordinator(log, client, wait)
}

func provideChannelRegistry() *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(messenger.New(""))
	registry.MustRegister(instagram.New(""))
	registry.MustRegister(telegram.New())
	registry.MustRegister(webwidget.New())
	return registry
}

func provideIngestQueue(log *slog.Logger, cfg config.Config, pool *pgxpool.Pool) *ingest.PgQueue {
	return ingest.NewPgQueue(log, pool, cfg.Ingest.MaxAttempts,
		config.Duration(cfg.Ingest.BackoffBase, config.DefaultBackoffBase),
		config.Duration(cfg.Ingest.BackoffCap, config.DefaultBackoffCap))
}

func provideNotifier(log *slog.Logger, cfg config.Config) notify.Notifier {
	if cfg.Notify.BaseURL == "" {
		return notify.Noop{}
	}
	return notify.NewWebhook(log, cfg.Notify.BaseURL, cfg.Notify.Token,
		config.Duration(cfg.Notify.Timeout, config.DefaultNotifyTimeout))
}

func provideReplyGenerator(log *slog.Logger, cfg config.Config) reply.Generator {
	if cfg.Reply.BaseURL == "" {
		return nil
	}
	return reply.NewClient(log, cfg.Reply.BaseURL, cfg.Reply.Token,
		config.Duration(cfg.Reply.Timeout, config.DefaultReplyTimeout))
}

func provideAsynqRedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func provideAsynqClient(lc fx.Lifecycle, opt asynq.RedisClientOpt) *asynq.Client {
	client := asynq.NewClient(opt)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideDispatcher(log *slog.Logger, cfg config.Config, client *asynq.Client) *outbound.Dispatcher {
	return outbound.NewDispatcher(log, client, cfg.Outbound.MaxRetries)
}

func provideConversationStore(pool *pgxpool.Pool) *conversation.PgStore {
	return conversation.NewPgStore(pool)
}

func provideResolver(log *slog.Logger, store *conversation.PgStore, registry *channel.Registry) *conversation.Resolver {
	return conversation.NewResolver(log, store, registry)
}

func provideConversationService(log *slog.Logger, cfg config.Config, store *conversation.PgStore, locks lock.Coordinator, vaultService *vault.Service, dispatcher *outbound.Dispatcher) *conversation.Service {
	return conversation.NewService(log, store, locks, vaultService, dispatcher,
		config.Duration(cfg.Ingest.LockTTL, config.DefaultLockTTL))
}

func provideIngestPool(log *slog.Logger, cfg config.Config, queue *ingest.PgQueue, vaultService *vault.Service, resolver *conversation.Resolver, locks lock.Coordinator, notifier notify.Notifier) *ingest.Pool {
	return ingest.NewPool(log, queue, vaultService, resolver, locks, notifier, ingest.PoolConfig{
		Workers:      cfg.Ingest.Workers,
		PollInterval: config.Duration(cfg.Ingest.PollInterval, config.DefaultPollInterval),
		JobTimeout:   config.Duration(cfg.Ingest.JobTimeout, config.DefaultJobTimeout),
		LockTTL:      config.Duration(cfg.Ingest.LockTTL, config.DefaultLockTTL),
	})
}

func provideReaper(log *slog.Logger, cfg config.Config, queue *ingest.PgQueue) *ingest.Reaper {
	return ingest.NewReaper(log, queue, cfg.Ingest.ReaperSchedule,
		2*config.Duration(cfg.Ingest.JobTimeout, config.DefaultJobTimeout))
}

func provideOutboundWorker(log *slog.Logger, cfg config.Config, vaultService *vault.Service, store *conversation.PgStore, registry *channel.Registry) *outbound.Worker {
	return outbound.NewWorker(log, vaultService, store, registry, cfg.Outbound.SendRate)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(handlers.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, registry *channel.Registry, queue *ingest.PgQueue, vaultService *vault.Service) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, queue, vaultService, cfg.Providers)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []handlers.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.New(params.Logger, params.Config.Server, params.ServerHandlers...)
}

func startIngest(lc fx.Lifecycle, pool *ingest.Pool, reaper *ingest.Reaper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pool.Start(context.Background())
			return reaper.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			reaper.Stop()
			pool.Stop()
			return nil
		},
	})
}

func startOutbound(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, opt asynq.RedisClientOpt, worker *outbound.Worker, shutdowner fx.Shutdowner) {
	srv := outbound.NewServer(opt, cfg.Outbound.Concurrency)
	mux := outbound.NewMux(worker)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Run(mux); err != nil {
					logger.Error("outbound worker failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Shutdown()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func main() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,

			provideDBConn,
			provideRedis,
			provideKeybox,
			provideAsynqRedisOpt,
			provideAsynqClient,

			vault.NewService,
			provideChannelRegistry,
			provideLockCoordinator,
			provideIngestQueue,
			provideConversationStore,
			provideResolver,
			provideNotifier,
			provideReplyGenerator,
			provideDispatcher,
			provideConversationService,
			provideIngestPool,
			provideReaper,
			provideOutboundWorker,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(handlers.NewConnectionHandler),
			provideServerHandler(handlers.NewConversationHandler),
			provideServerHandler(func(queue *ingest.PgQueue) *handlers.DeadLetterHandler {
				return handlers.NewDeadLetterHandler(queue)
			}),

			provideServer,
		),
		fx.Invoke(
			startIngest,
			startOutbound,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}
