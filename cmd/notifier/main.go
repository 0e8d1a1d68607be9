package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/config"
	"github.com/parley/chat-core/internal/database"
	"github.com/parley/chat-core/internal/logging"
	"github.com/parley/chat-core/internal/messaging"
	"github.com/parley/chat-core/internal/notify"
)

const handleTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a config file")
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

	if err := run(cfg, logger.Named("notifier")); err != nil {
		logger.Fatal("notifier stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("notifier requires database.driver=postgres, got %q", cfg.Database.Driver)
	}
	if !cfg.NATS.Enabled && !cfg.Kafka.Enabled {
		return errors.New("notifier needs nats or kafka enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	consumer := notify.NewConsumer(notify.NewStore(db), logger)

	if cfg.NATS.Enabled {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL, natsConfig.Name = cfg.NATS.URL, cfg.NATS.Name+"-notifier"
		nc, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		err = nc.QueueSubscribe(messaging.SubjectNotification, "notifier", func(data []byte) {
			hctx, cancel := context.WithTimeout(ctx, handleTimeout)
			defer cancel()
			if err := consumer.Handle(hctx, data); err != nil {
				logger.Error("nats notification dropped", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		logger.Info("consuming notifications from nats", zap.String("subject", messaging.SubjectNotification))
	}

	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		defer reader.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			notify.ConsumeKafka(ctx, reader, consumer, notify.DefaultBackoff, handleTimeout, logger)
		}()
		logger.Info("consuming notifications from kafka",
			zap.String("topic", cfg.Kafka.Topic), zap.String("group", cfg.Kafka.GroupID))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}
