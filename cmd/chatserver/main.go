package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/api"
	"github.com/parley/chat-core/internal/attachment"
	"github.com/parley/chat-core/internal/auth"
	"github.com/parley/chat-core/internal/config"
	"github.com/parley/chat-core/internal/conversation"
	"github.com/parley/chat-core/internal/database"
	"github.com/parley/chat-core/internal/delivery"
	"github.com/parley/chat-core/internal/gateway"
	"github.com/parley/chat-core/internal/logging"
	"github.com/parley/chat-core/internal/message"
	"github.com/parley/chat-core/internal/messaging"
	"github.com/parley/chat-core/internal/notify"
	"github.com/parley/chat-core/internal/presence"
	"github.com/parley/chat-core/internal/ratelimit"
	"github.com/parley/chat-core/internal/readcursor"
	"github.com/parley/chat-core/internal/store"
	"github.com/parley/chat-core/internal/store/memory"
	"github.com/parley/chat-core/internal/store/postgres"
	"github.com/parley/chat-core/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("chatserver stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error

	// --- Record store ---
	var st store.Store
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.Open(ctx, database.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLife,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.AutoMigrate {
			if err := database.MigrateUp(db); err != nil {
				return err
			}
		}
		st = postgres.NewStore(db)
		checks = append(checks, db.PingContext)
	default:
		logger.Warn("using the in-memory record store; data is lost on restart")
		st = memory.New()
	}

	// --- Blob storage ---
	var (
		blob  attachment.Blob
		files http.Handler
	)
	switch cfg.Storage.Driver {
	case "s3":
		s3Store, err := attachment.NewS3Store(ctx, attachment.S3Config{
			Region:   cfg.Storage.S3.Region,
			Bucket:   cfg.Storage.S3.Bucket,
			Endpoint: cfg.Storage.S3.Endpoint,
		})
		if err != nil {
			return err
		}
		blob = s3Store
	default:
		disk, err := attachment.NewDiskStore(cfg.Storage.DiskRoot)
		if err != nil {
			return err
		}
		blob = disk
		files = http.FileServer(http.Dir(disk.Root()))
	}
	pipeline := attachment.NewPipeline(blob, attachment.Config{
		BaseURL:          cfg.Storage.BaseURL,
		AttachmentPrefix: cfg.Storage.AttachmentPrefix,
		AvatarPrefix:     cfg.Storage.AvatarPrefix,
	}, logger.Named("attachment"))

	// --- Presence and delivery ---
	registry := presence.NewRegistry(logger.Named("presence"))
	router := delivery.NewRouter(registry, delivery.DefaultConfig(), logger.Named("delivery"))
	var online conversation.Presence = registry

	var (
		mirror      *presence.Mirror
		throttle    message.Throttle
		connLimit   api.Limiter
		typingLimit gateway.Throttle
	)
	var takeovers *presence.NATSTakeovers
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		mirror = presence.NewMirror(rdb, cfg.Server.Name, presence.DefaultTTL)
		router.UseLocator(mirror)
		online = mirror
		go refreshPresence(ctx, mirror, registry, logger.Named("presence"))

		limiter := ratelimit.NewLimiter(rdb, logger.Named("ratelimit"))
		sendRule := ratelimit.RuleSend
		sendRule.Limit, sendRule.Window = cfg.Chat.SendRateLimit, cfg.Chat.SendRateWindow
		throttle = limiter.For(sendRule)
		connLimit = limiter.For(ratelimit.RuleConnect)
		typingLimit = limiter.For(ratelimit.RuleTyping)
	}

	// --- Notification buses ---
	var sinks notify.Multi
	if cfg.NATS.Enabled {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL, natsConfig.Name = cfg.NATS.URL, cfg.NATS.Name
		nc, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := router.UseBus(delivery.NewNATSBus(nc, logger.Named("bus"))); err != nil {
			return err
		}
		sinks = append(sinks, notify.NewNATSSink(nc, logger.Named("notify")))
		takeovers = presence.NewNATSTakeovers(nc, registry, cfg.Server.Name, logger.Named("presence"))
		if err := takeovers.Start(); err != nil {
			return err
		}
	}
	if cfg.Kafka.Enabled {
		ks := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("notify"))
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	var notifier notify.Sink = notify.Nop{}
	if len(sinks) > 0 {
		notifier = sinks
	}

	// --- Chat core ---
	conversations := conversation.NewService(st, pipeline, online, logger.Named("conversation"))
	messages := message.NewService(st, pipeline, router, notifier, message.Config{
		MaxAttachments:     cfg.Chat.MaxAttachments,
		MaxAttachmentBytes: cfg.Chat.MaxAttachmentBytes,
		MaxTextChars:       cfg.Chat.MaxTextChars,
		MaxPerPage:         cfg.Chat.MaxPerPage,
	}, logger.Named("message"))
	if throttle != nil {
		messages.UseThrottle(throttle)
	}
	reads := readcursor.NewTracker(st, pipeline, logger.Named("readcursor"))

	// --- Transports ---
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:        cfg.Auth.JWTSecret,
		PublicKeyPath: cfg.Auth.JWTPublicKeyPath,
		UserClaim:     cfg.Auth.UserClaim,
	})
	if err != nil {
		return err
	}

	dispatcher := ws.NewMessageDispatcher(logger.Named("ws"))
	wsServer := ws.NewServer(ws.Config{
		WorkerPoolSize: cfg.WS.WorkerPoolSize,
		MaxConnections: cfg.WS.MaxConnections,
		MaxFrameBytes:  64 << 10,
		ReadTimeout:    cfg.WS.ReadTimeout,
		WriteTimeout:   cfg.WS.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.WS.HeartbeatInterval,
			Timeout:  cfg.WS.HeartbeatTimeout,
		},
	}, verifier, dispatcher.Dispatch, logger.Named("ws"))
	gw := gateway.New(registry, router, reads, st, logger.Named("gateway"))
	if mirror != nil {
		gw.UseMirror(mirror)
	}
	if typingLimit != nil {
		gw.UseThrottle(typingLimit)
	}
	if takeovers != nil {
		gw.UseAnnouncer(takeovers)
	}
	gw.Attach(wsServer, dispatcher)
	if err := wsServer.Start(); err != nil {
		return err
	}

	handler := api.NewServer(api.Deps{
		Conversations: conversations,
		Messages:      messages,
		Reads:         reads,
		Authenticate:  verifier.Middleware,
		WebSocket:     wsServer,
		Files:         files,
		ConnLimit:     connLimit,
		Health: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}, api.Config{
		MaxBodyBytes:   int64(cfg.Chat.MaxAttachments)*cfg.Chat.MaxAttachmentBytes + 1<<20,
		Timeout:        cfg.Server.WriteTimeout,
		DefaultPerPage: cfg.Chat.DefaultPerPage,
	}, logger.Named("api")).Handler()

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	logger.Info("chat server starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("server_name", cfg.Server.Name),
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		wsServer.Shutdown()
		router.Close()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wsServer.Shutdown()
	router.Close()
	logger.Info("chat server stopped")
	return nil
}

// refreshPresence keeps this instance's presence records alive in Redis. A
// crashed instance's records expire after presence.DefaultTTL.
func refreshPresence(ctx context.Context, mirror *presence.Mirror, registry *presence.Registry, logger *zap.Logger) {
	ticker := time.NewTicker(presence.DefaultTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mirror.Refresh(ctx, registry.Handles()); err != nil {
				logger.Warn("presence refresh failed", zap.Error(err))
			}
		}
	}
}
