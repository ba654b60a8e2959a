// Package database fans the miner's telemetry out to PostgreSQL, Redis and
// InfluxDB. Every sink is optional; an unconfigured sink is skipped.
package database

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/network"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const influxFlushInterval = 10 * time.Second

// Manager coordinates the telemetry sinks and implements network.Reporter
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Shares *postgres.ShareRepository

	circuitBreaker *circuit.Breaker
	logger         *log.Logger

	wg sync.WaitGroup
}

// Config holds configuration for all sinks. A nil entry disables that sink.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
	Logger   *log.Logger
}

// Enabled reports whether any sink is configured
func (c *Config) Enabled() bool {
	return c.Postgres != nil || c.Redis != nil || c.Influx != nil
}

// NewManager connects every configured sink, retrying each with backoff
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	m := &Manager{
		circuitBreaker: circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		logger: logger.WithComponent("database"),
	}

	if cfg.Postgres != nil {
		pgClient, err := connect(ctx, m, "postgres", func() (*postgres.Client, error) {
			return postgres.NewClient(cfg.Postgres)
		})
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeSink, "postgres_connection",
				"failed to connect to PostgreSQL database"))
		}
		m.Postgres = pgClient

		if err := pgClient.Migrate(ctx); err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeSink, "postgres_migrate",
				"failed to create share journal"))
		}
		m.Shares = postgres.NewShareRepository(pgClient.DB())
		m.logger.Info("postgres sink enabled")
	}

	if cfg.Redis != nil {
		redisClient, err := connect(ctx, m, "redis", func() (*redis.Client, error) {
			return redis.NewClient(cfg.Redis)
		})
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeSink, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = redisClient
		m.logger.Info("redis sink enabled")
	}

	if cfg.Influx != nil {
		influxClient, err := connect(ctx, m, "influx", func() (*influx.Client, error) {
			return influx.NewClient(cfg.Influx)
		})
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeSink, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = influxClient
		m.logger.Info("influx sink enabled", "bucket", cfg.Influx.Bucket)
	}

	return m, nil
}

// connect dials one sink, retrying transient failures with backoff
func connect[T any](ctx context.Context, m *Manager, sink string, dial func() (T, error)) (T, error) {
	cfg := retry.SinkConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.logger.WithError(err).Warn("sink connection failed, retrying",
			"sink", sink,
			"attempt", attempt,
			"delay", delay,
		)
	}

	return retry.DoWithResult(ctx, cfg, func() (T, error) {
		client, err := dial()
		if err != nil {
			var zero T
			return zero, errors.Wrap(err, errors.ErrorTypeSink, "connect", "sink unavailable").
				WithContext("sink", sink)
		}
		return client, nil
	})
}

// abort closes the sinks opened so far and returns err with any close failure attached
func (m *Manager) abort(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

// Close closes all sink connections. The context given to StartPeriodicTasks
// must be cancelled first.
func (m *Manager) Close() error {
	m.wg.Wait()

	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of every enabled sink
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// ShareResult journals the share in PostgreSQL and updates the Redis
// counters and Influx series. Only the journal write is retried.
func (m *Manager) ShareResult(ctx context.Context, ev network.ShareEvent) error {
	if m.Shares != nil {
		share := shareRow(ev)
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, retry.PublishConfig(), func() error {
				if err := m.Shares.CreateShare(ctx, share); err != nil {
					return errors.Wrap(err, errors.ErrorTypeSink, "insert_share", "share insert failed")
				}
				return nil
			})
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeSink, "record_share",
				"failed to store share in PostgreSQL").
				WithContext("pool", ev.Pool).
				WithContext("job_id", ev.JobID)
		}
	}

	if m.Influx != nil {
		m.Influx.WriteShare(influx.ShareMetric{
			Pool:             ev.Pool,
			JobID:            ev.JobID,
			Accepted:         ev.Accepted,
			Difficulty:       ev.Difficulty,
			ActualDifficulty: ev.ActualDifficulty,
			Latency:          ev.Elapsed,
			Time:             ev.Timestamp,
		})
	}

	if m.Redis != nil {
		if _, err := m.Redis.IncrementShares(ctx, ev.Pool, ev.Accepted); err != nil {
			m.logger.WithError(err).Warn("failed to update share counter (non-critical)")
		}
	}

	return nil
}

// shareRow converts a share event into a journal row
func shareRow(ev network.ShareEvent) *postgres.Share {
	return &postgres.Share{
		Pool:             ev.Pool,
		JobID:            ev.JobID,
		Nonce:            ev.Nonce,
		Digest:           ev.Digest,
		Difficulty:       clampInt64(ev.Difficulty),
		ActualDifficulty: clampInt64(ev.ActualDifficulty),
		Accepted:         ev.Accepted,
		Reason:           ev.Reason,
		LatencyMs:        ev.Elapsed.Milliseconds(),
		SubmittedAt:      ev.Timestamp,
	}
}

// clampInt64 fits a difficulty into a BIGINT column. A digest tail of 0 or 1
// yields a difficulty above math.MaxInt64.
func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Hashrate stores a hashrate sample in Redis and InfluxDB
func (m *Manager) Hashrate(ctx context.Context, ev network.HashrateEvent) error {
	if m.Influx != nil {
		m.Influx.WriteHashrate(influx.HashrateMetric{
			Worker:     ev.Worker,
			Short:      ev.Short,
			Medium:     ev.Medium,
			Large:      ev.Large,
			Highest:    ev.Highest,
			CPUPercent: ev.CPUPercent,
			Time:       ev.Timestamp,
		})
	}

	if m.Redis != nil {
		if err := m.Redis.AddHashrate(ctx, ev.Worker, ev.Medium, ev.Timestamp); err != nil {
			return errors.Wrap(err, errors.ErrorTypeSink, "record_hashrate",
				"failed to store hashrate in Redis")
		}
	}

	return nil
}

// Job caches the job being mined in Redis
func (m *Manager) Job(ctx context.Context, ev network.JobEvent) error {
	if m.Redis == nil {
		return nil
	}

	err := m.Redis.SetCurrentJob(ctx, redis.CurrentJob{
		Pool:       ev.Pool,
		PoolID:     ev.PoolID,
		JobID:      ev.JobID,
		Difficulty: ev.Difficulty,
		UpdatedAt:  ev.Timestamp,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSink, "record_job", "failed to cache current job")
	}
	return nil
}

// Connection records a pool connection event in InfluxDB
func (m *Manager) Connection(_ context.Context, ev network.ConnectionEvent) error {
	if m.Influx != nil {
		m.Influx.WriteConnection(ev.Pool, ev.Event, ev.Failures, ev.Timestamp)
	}
	return nil
}

// StartPeriodicTasks flushes InfluxDB writes and logs its asynchronous write errors
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(influxFlushInterval)
		defer ticker.Stop()

		errs := m.Influx.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			case err := <-errs:
				m.logger.WithError(err).Warn("influx write failed")
			}
		}
	}()
}
