// Package database 运行历史库 (store=postgres) 的连接池与迁移。
//
// pgxpool 直连, 裸写 SQL。
package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/waldiez/studio/internal/config"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

// applicationName 出现在 pg_stat_activity 中。
const applicationName = "waldiez-studio"

// NewPool 按配置创建连接池并在 PostgresPoolTimeoutSec 内 Ping 一次。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	const op = "database.NewPool"
	if cfg.PostgresConnStr == "" {
		return nil, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "WALDIEZ_STUDIO_POSTGRES_CONNECTION_STRING is required")
	}
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, pkgerr.Wrap(err, op, "parse postgres config")
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, pkgerr.Wrap(err, op, "create pool")
	}

	timeout := time.Duration(cfg.PostgresPoolTimeoutSec) * time.Second
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		if pingCtx.Err() != nil {
			return nil, pkgerr.Wrapf(pkgerr.ErrTimeout, op, "postgres not reachable within %s", timeout)
		}
		return nil, pkgerr.Wrap(err, op, "ping postgres")
	}
	logger.Info("database: pool ready",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns,
		"schema", cfg.PostgresSchema,
	)
	return pool, nil
}

// poolConfig 解析连接串并套用池大小与 search_path。
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, err
	}
	maxConns := util.ClampInt(cfg.PostgresPoolMaxSize, 1, math.MaxInt32)
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(util.ClampInt(cfg.PostgresPoolMinSize, 0, maxConns))
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	if schema := cfg.PostgresSchema; schema != "" && schema != "public" {
		searchPath := fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize())
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, searchPath)
			return err
		}
	}
	return poolCfg, nil
}
