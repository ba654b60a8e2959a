package worker

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// PoolConfig configures a Pool
type PoolConfig struct {
	Threads       int
	Factor        int
	Engine        pow.Engine
	Source        Source
	Recorder      Recorder
	PauseInterval time.Duration
	Logger        *log.Logger
}

// Pool runs one Worker per thread
type Pool struct {
	workers []*Worker
	logger  *log.Logger
	wg      sync.WaitGroup
}

// NewPool creates Threads workers sharing one engine and source
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Threads < 1 {
		return nil, errors.New(errors.ErrorTypeConfig, "new_pool", "at least one thread is required").
			WithContext("threads", cfg.Threads)
	}
	if cfg.Factor < 1 || cfg.Factor > pow.MaxHashFactor {
		return nil, errors.New(errors.ErrorTypeConfig, "new_pool", "hash factor out of range").
			WithContext("factor", cfg.Factor)
	}
	if cfg.Engine == nil || cfg.Source == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "new_pool", "engine and source are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	p := &Pool{
		workers: make([]*Worker, cfg.Threads),
		logger:  cfg.Logger.WithComponent("workers"),
	}
	for id := range p.workers {
		p.workers[id] = New(Config{
			ID:            id,
			Threads:       cfg.Threads,
			Factor:        cfg.Factor,
			Engine:        cfg.Engine,
			Source:        cfg.Source,
			Recorder:      cfg.Recorder,
			PauseInterval: cfg.PauseInterval,
			Logger:        p.logger,
		})
	}
	return p, nil
}

// Start launches every worker
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting workers", "threads", len(p.workers))
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info("workers stopped", "hashes", p.Hashes())
}

// Threads returns the number of workers
func (p *Pool) Threads() int {
	return len(p.workers)
}

// Hashes returns the total hash count. Only valid after Wait.
func (p *Pool) Hashes() uint64 {
	var total uint64
	for _, w := range p.workers {
		total += w.Hashes()
	}
	return total
}
