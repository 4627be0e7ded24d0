package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vaxinv/vaxinv/internal/app"
	"github.com/vaxinv/vaxinv/internal/platform/db"
	"github.com/vaxinv/vaxinv/migrations"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Default().Debug("no .env file, using process environment", slog.Any("error", err))
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	if cfg.StoreDriver != app.StorePostgres {
		logger.Info("store driver needs no migrations", slog.String("driver", string(cfg.StoreDriver)))
		return
	}

	conn, err := db.OpenSQL(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	command, args := "up", []string(nil)
	if flag.NArg() > 0 {
		command, args = flag.Arg(0), flag.Args()[1:]
	}
	if err := migrations.Run(ctx, conn, command, args...); err != nil {
		logger.Error("migrate", slog.String("command", command), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("migrate finished", slog.String("command", command))
}
