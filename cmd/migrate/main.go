// cmd/migrate — 对 Postgres 运行历史库执行 (或列出待执行的) 迁移。
//
// 用法:
//
//	migrate --dsn postgres://... [--dir migrations]
//	migrate -c studio.yaml --status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/waldiez/studio/internal/config"
	"github.com/waldiez/studio/internal/database"
	"github.com/waldiez/studio/pkg/logger"
)

func main() {
	fs := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	cfgFile := fs.StringP("config", "c", "", "config file (yaml/json/jsonc)")
	dsn := fs.String("dsn", "", "postgres connection string (overrides config)")
	dir := fs.String("dir", "", "migrations directory (overrides config)")
	status := fs.Bool("status", false, "list pending migrations without applying them")
	_ = fs.Parse(os.Args[1:])

	cfg := config.Load()
	if *cfgFile != "" {
		if err := cfg.ApplyFile(*cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(2)
		}
	}
	if *dsn != "" {
		cfg.PostgresConnStr = *dsn
	}
	if *dir != "" {
		cfg.MigrationsDir = *dir
	}
	logger.Init(cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg, *status); err != nil {
		logger.Error("migrate: failed", logger.FieldError, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, status bool) error {
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if status {
		pending, err := database.PendingMigrations(ctx, pool, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return nil
		}
		for _, name := range pending {
			fmt.Println("pending", name)
		}
		return nil
	}
	if err := database.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
		return err
	}
	logger.Info("migrate: complete", logger.FieldPath, cfg.MigrationsDir)
	return nil
}
