// cmd/studio — Studio 服务端主入口: 运行通道、终端通道、流程读写与运行历史。
//
// 用法:
//
//	studio --root-dir ~/flows --port 8000
//	studio -c studio.yaml --store postgres
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/waldiez/studio/internal/apiserver"
	"github.com/waldiez/studio/internal/config"
	"github.com/waldiez/studio/internal/database"
	"github.com/waldiez/studio/internal/store"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

const logCleanupInterval = 24 * time.Hour

func main() {
	fs := pflag.NewFlagSet("studio", pflag.ExitOnError)
	flags := config.NewServerFlags(fs)
	showVersion := fs.BoolP("version", "v", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(currentBuildInfo())
		return
	}
	cfg, err := flags.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "studio: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		logger.Error("studio: exited with error", logger.FieldError, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Init(cfg.Env, cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
			return err
		}
		defer logger.ShutdownFileHandler()
	}
	if cfg.Env == "development" || cfg.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	root, err := cfg.ResolveRootDir()
	if err != nil {
		return err
	}
	stores, err := openStores(ctx, cfg, root)
	if err != nil {
		return err
	}
	defer stores.close()

	if stores.runs != nil {
		if n, err := stores.runs.MarkStale(ctx); err != nil {
			logger.Warn("studio: mark stale runs failed", logger.FieldError, err)
		} else if n > 0 {
			logger.Info("studio: marked interrupted runs", logger.FieldCount, n)
		}
	}
	if stores.logs != nil && cfg.LogRetentionDays > 0 {
		util.SafeGo(func() { cleanupLogs(ctx, stores.logs, cfg.LogRetentionDays) })
	}

	srv, err := apiserver.New(apiserver.Deps{
		Config: cfg,
		Root:   root,
		Runs:   stores.runs,
		Logs:   stores.logs,
	})
	if err != nil {
		return err
	}
	logger.Info("studio: starting",
		logger.FieldVersion, currentBuildInfo().String(),
		"store", cfg.Store,
		logger.FieldPID, os.Getpid(),
	)
	return srv.ListenAndServe(ctx)
}

// storeSet 按配置打开的存储; close 负责释放。
type storeSet struct {
	runs  store.RunStore
	logs  *store.LogStore
	close func()
}

func openStores(ctx context.Context, cfg *config.Config, root string) (*storeSet, error) {
	switch cfg.Store {
	case "none":
		logger.Info("studio: run history disabled")
		return &storeSet{close: func() {}}, nil

	case "sqlite":
		path := cfg.ResolveSQLitePath(root)
		s, err := store.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		logger.Info("studio: sqlite run history", logger.FieldPath, path)
		return &storeSet{runs: s, close: func() { _ = s.Close() }}, nil

	case "postgres":
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, err
		}
		if cfg.PostgresLogToDB {
			logger.AttachDBHandler(pool)
		}
		return &storeSet{
			runs: store.NewPGRunStore(pool),
			logs: store.NewLogStore(pool),
			close: func() {
				logger.ShutdownDBHandler()
				pool.Close()
			},
		}, nil
	}
	return nil, pkgerr.Wrapf(pkgerr.ErrInvalidInput, "studio.openStores", "unknown store %q", cfg.Store)
}

// cleanupLogs 启动时与之后每天清理过期日志。
func cleanupLogs(ctx context.Context, logs *store.LogStore, days int) {
	ticker := time.NewTicker(logCleanupInterval)
	defer ticker.Stop()
	for {
		n, err := logs.Cleanup(ctx, days)
		if err != nil {
			logger.Warn("studio: log cleanup failed", logger.FieldError, err)
		} else if n > 0 {
			logger.Info("studio: old logs removed", logger.FieldCount, n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
