package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/config"
	"github.com/parley/chat-core/internal/database"
	"github.com/parley/chat-core/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	steps := flag.Int("steps", 1, "number of migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate [-config path] [-steps n] up|down|version\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

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
	logger = logger.Named("migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.Open(ctx, database.Config{URL: cfg.Database.URL, MaxOpenConns: 2, MaxIdleConns: 1})
	cancel()
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = database.MigrateUp(db)
	case "down":
		err = database.MigrateDown(db, *steps)
	case "version":
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	version, dirty, err := database.Version(db)
	if err != nil {
		logger.Fatal("read version", zap.Error(err))
	}
	logger.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
}
