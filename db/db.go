// Package db is the persistence collaborator for the inbound mail router.
//
// It exposes keyed lookups and writes over PostgreSQL (pgx) for users, groups,
// memberships, chats, bounce records, spam lookup tables, message history and
// email tracking. The routing engine consumes these through narrow interfaces
// declared by each service; *Database satisfies all of them.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/consts"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/pkg/metrics"
)

//go:embed schema.sql
var schema string

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

// NewDatabase initializes the connection pools from configuration. When no
// read endpoint is configured the write pool serves reads as well.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	writePool, err := newPool(ctx, cfg.Write, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("write pool: %w", err)
	}

	readPool := writePool
	if cfg.Read != nil && len(cfg.Read.Hosts) > 0 {
		readPool, err = newPool(ctx, cfg.Read, cfg.Debug)
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("read pool: %w", err)
		}
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func newPool(ctx context.Context, endpoint *config.DatabaseEndpointConfig, debug bool) (*pgxpool.Pool, error) {
	if endpoint == nil || len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("no database hosts configured")
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, strings.Join(endpoint.Hosts, ","),
		endpoint.GetPort(), endpoint.Name, sslMode)

	logger.Info("connecting to database",
		"user", endpoint.User, "hosts", endpoint.Hosts, "name", endpoint.Name, "sslmode", sslMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if endpoint.MaxConns > 0 {
		poolCfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolCfg.MinConns = int32(endpoint.MinConns)
	}
	if lifetime, err := endpoint.GetMaxConnLifetime(); err == nil {
		poolCfg.MaxConnLifetime = lifetime
	}
	if idle, err := endpoint.GetMaxConnIdleTime(); err == nil {
		poolCfg.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return pool, nil
}

func (db *Database) migrate(ctx context.Context) error {
	if _, err := db.WritePool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping verifies both pools are reachable. Used by the health endpoint.
func (db *Database) Ping(ctx context.Context) error {
	if err := db.WritePool.Ping(ctx); err != nil {
		return err
	}
	if db.ReadPool != db.WritePool {
		return db.ReadPool.Ping(ctx)
	}
	return nil
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

// GetReadPoolWithContext returns the appropriate pool for read operations,
// honouring session pinning to the master after a write.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}
