// Package main implements the gominer CPU miner.
// It connects to the configured stratum pools and mines their jobs on every
// worker thread, reporting shares and hashrate to the optional sinks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/cpu"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/network"
	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/internal/scheduler"
	"github.com/bardlex/gominer/internal/worker"
	"github.com/bardlex/gominer/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gominer",
		"version", cfg.Version,
		"algo", cfg.Algo,
		"pools", len(cfg.PoolURLs),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("miner failed")
		os.Exit(1)
	}

	logger.Info("gominer stopped")
}

// run starts every component and blocks until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	topo := cpu.Detect()
	logger.Info("cpu detected", topo.Fields()...)

	mode, err := pow.ParseAESMode(cfg.AES)
	if err != nil {
		return err
	}
	engine, err := pow.Select(cfg.Algo, mode)
	if err != nil {
		return err
	}

	threads, factor := sizing(cfg, topo, engine.FootprintKB())
	logger.Info("mining threads",
		"engine", engine.Name(),
		"threads", threads,
		"hash_factor", factor,
	)

	netCfg, err := networkConfig(cfg, logger)
	if err != nil {
		return err
	}

	// Sinks are optional; each one is enabled by its URL
	var reporters []network.Reporter

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	var dbManager *database.Manager
	if dbConfig := sinkConfig(cfg, logger); dbConfig.Enabled() {
		dbManager, err = database.NewManager(ctx, dbConfig)
		if err != nil {
			return err
		}
		dbManager.StartPeriodicTasks(sinkCtx)
		reporters = append(reporters, dbManager)
	}

	var kafkaClient *messaging.KafkaClient
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		reporters = append(reporters, messaging.NewPublisher(kafkaClient, cfg.KafkaTopicPrefix, netCfg.Worker))
		logger.Info("kafka publisher enabled", "brokers", cfg.KafkaBrokers, "prefix", cfg.KafkaTopicPrefix)
	}

	defer func() {
		stopSinks()
		if kafkaClient != nil {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Warn("failed to close kafka client")
			}
		}
		if dbManager != nil {
			if err := dbManager.Close(); err != nil {
				logger.WithError(err).Warn("failed to close database connections")
			}
		}
	}()

	sched := scheduler.New(scheduler.Config{Logger: logger})
	hashrate := scheduler.NewHashrate(threads)

	net, err := network.New(netCfg, sched, hashrate, reporters...)
	if err != nil {
		return err
	}

	workers, err := worker.NewPool(worker.PoolConfig{
		Threads:  threads,
		Factor:   factor,
		Engine:   engine,
		Source:   sched,
		Recorder: hashrate,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// components outlive the signal so Stop can close pools deliberately
	mineCtx, stopMining := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMining()

	sched.Start(mineCtx, net)
	net.Start(mineCtx)
	workers.Start(mineCtx)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		defer close(done)
		net.Stop()
		stopMining()
		workers.Wait()
		sched.Stop()
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}

	accepted, rejected := net.Totals()
	logger.Info("mining summary",
		"accepted", accepted,
		"rejected", rejected,
		"hashes", workers.Hashes(),
		"dropped_results", sched.Dropped(),
	)
	return nil
}

// sizing resolves the thread count and hash factor. Explicit THREADS and
// HASH_FACTOR win; zero means size from the CPU cache.
func sizing(cfg *config.Config, topo cpu.Topology, footprintKB int) (threads, factor int) {
	threads = cfg.Threads
	if threads == 0 {
		threads = topo.OptimalThreadCount(footprintKB, cfg.HashFactor, cfg.MaxCPUUsage)
	}

	factor = cfg.HashFactor
	if factor == 0 {
		factor = topo.OptimalHashFactor(footprintKB, threads)
	}
	return threads, factor
}

// networkConfig builds the pool client settings
func networkConfig(cfg *config.Config, logger *log.Logger) (network.Config, error) {
	pools, err := cfg.Pools()
	if err != nil {
		return network.Config{}, err
	}
	donate, err := cfg.DonatePool()
	if err != nil {
		return network.Config{}, err
	}

	return network.Config{
		Pools:             pools,
		Donate:            donate,
		DonateLevel:       cfg.DonateLevel,
		User:              cfg.PoolUser,
		Password:          cfg.PoolPass,
		Agent:             cfg.UserAgent,
		Retries:           cfg.Retries,
		ResponseTimeout:   cfg.ResponseTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		RetryPause:        cfg.RetryPause,
		MaxMessageSize:    cfg.MaxMessageSize,
		PrintTime:         cfg.PrintTime,
		Worker:            workerName(cfg),
		Logger:            logger,
	}, nil
}

// workerName identifies this miner in the sinks
func workerName(cfg *config.Config) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return cfg.ServiceName
}

// sinkConfig enables each sink whose URL is set
func sinkConfig(cfg *config.Config, logger *log.Logger) *database.Config {
	dbConfig := &database.Config{Logger: logger}

	if cfg.PostgresURL != "" {
		dbConfig.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}

	if cfg.RedisURL != "" {
		dbConfig.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     4,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}

	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	return dbConfig
}
