// Package worker runs the nonce search loop, one goroutine per mining thread.
package worker

import (
	"context"
	"runtime"
	"time"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	// DefaultPauseInterval is how long a worker sleeps between polls while mining is paused
	DefaultPauseInterval = 200 * time.Millisecond

	statsEvery = 16
)

// Source is the view of the scheduler a worker needs
type Source interface {
	Snapshot() (*job.Job, uint64)
	Sequence() uint64
	IsPaused() bool
	IsOutdated(sequence uint64) bool
	Submit(r job.Result, workerID int) bool
}

// Recorder receives a thread's running hash total
type Recorder interface {
	Add(thread int, count uint64, at time.Time)
}

// State is everything a worker needs to continue a job. Nonces hold the
// next untested nonce of each lane, so a restored State never repeats work.
type State struct {
	Job    *job.Job
	Nonces [pow.MaxHashFactor]uint32
	Blob   [job.MaxBlobSize * pow.MaxHashFactor]byte
}

// Config configures a Worker
type Config struct {
	ID            int
	Threads       int
	Factor        int
	Engine        pow.Engine
	Source        Source
	Recorder      Recorder
	PauseInterval time.Duration
	Logger        *log.Logger
}

// Worker searches nonces for the scheduler's current job
type Worker struct {
	id      int
	threads int
	factor  int

	engine   pow.Engine
	source   Source
	recorder Recorder
	pause    time.Duration
	logger   *log.Logger

	ctx     *pow.Context
	state   State
	paused  State
	digests [pow.MaxHashFactor]job.Digest
	tested  [pow.MaxHashFactor]uint32

	sequence uint64
	hashes   uint64
	batches  uint64
}

// New creates a worker. Factor is clamped to 1..pow.MaxHashFactor.
func New(cfg Config) *Worker {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	cfg.Factor = min(max(cfg.Factor, 1), pow.MaxHashFactor)
	if cfg.PauseInterval <= 0 {
		cfg.PauseInterval = DefaultPauseInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	return &Worker{
		id:       cfg.ID,
		threads:  cfg.Threads,
		factor:   cfg.Factor,
		engine:   cfg.Engine,
		source:   cfg.Source,
		recorder: cfg.Recorder,
		pause:    cfg.PauseInterval,
		logger:   cfg.Logger.WithWorker(cfg.ID),
		ctx:      pow.NewContext(),
	}
}

// ID returns the thread index
func (w *Worker) ID() int {
	return w.id
}

// Hashes returns the number of hashes computed so far. Only safe to call
// after Run has returned.
func (w *Worker) Hashes() uint64 {
	return w.hashes
}

// Run mines until ctx is cancelled. It waits for the first job, idles while
// the scheduler is paused and refreshes its job whenever the sequence moves.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("worker started", "factor", w.factor, "engine", w.engine.Name())
	defer w.logger.Debug("worker stopped", "hashes", w.hashes)

	for {
		if ctx.Err() != nil {
			return
		}

		if w.source.IsPaused() {
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		if !w.consumeJob() {
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		w.mine(ctx)
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.pause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// consumeJob syncs the worker with the scheduler. It returns false when the
// scheduler has no usable job.
func (w *Worker) consumeJob() bool {
	j, seq := w.source.Snapshot()
	if seq == 0 || j == nil || !j.IsValid() {
		return false
	}
	w.sequence = seq

	if w.state.Job.Equal(j) {
		return true
	}

	w.save(j)
	if w.resume(j) {
		w.logger.WithJob(j.ID, j.Difficulty).Debug("resumed paused job",
			"nonce", w.state.Nonces[0],
		)
		return true
	}

	w.load(j.Clone())
	return true
}

// save keeps the in-flight state when a placeholder job takes over
func (w *Worker) save(next *job.Job) {
	if next.PoolID == job.DonatePoolID && w.state.Job.IsValid() && w.state.Job.PoolID >= 0 {
		w.paused = w.state
	}
}

// resume restores the saved state when the placeholder period ends and the
// pool hands back the job that was interrupted.
func (w *Worker) resume(next *job.Job) bool {
	cur, saved := w.state.Job, w.paused.Job
	if cur == nil || saved == nil {
		return false
	}
	if cur.PoolID != job.DonatePoolID || next.PoolID < 0 {
		return false
	}
	if next.ID != saved.ID || next.PoolID != saved.PoolID {
		return false
	}

	w.state = w.paused
	w.paused = State{}
	return true
}

func (w *Worker) load(j *job.Job) {
	w.state.Job = j
	size := j.Size()
	for lane := 0; lane < w.factor; lane++ {
		copy(w.state.Blob[lane*size:(lane+1)*size], j.Blob)
		w.state.Nonces[lane] = NonceStart(w.threads, w.factor, w.id, lane, j.Nicehash, j.Nonce())
	}

	w.logger.WithJob(j.ID, j.Difficulty).Debug("new job",
		"pool_id", j.PoolID,
		"nicehash", j.Nicehash,
		"nonce", w.state.Nonces[0],
	)
}

func (w *Worker) mine(ctx context.Context) {
	j := w.state.Job
	size := j.Size()
	input := w.state.Blob[:size*w.factor]
	out := w.digests[:w.factor]

	for !w.source.IsOutdated(w.sequence) {
		if w.batches%statsEvery == 0 {
			w.storeStats()
			if ctx.Err() != nil {
				return
			}
		}

		for lane := 0; lane < w.factor; lane++ {
			nonce := w.state.Nonces[lane]
			job.PutNonce(w.state.Blob[lane*size:(lane+1)*size], nonce)
			w.tested[lane] = nonce
			w.state.Nonces[lane] = nonce + 1
		}

		w.engine.Hash(input, size, out, w.ctx)

		for lane := 0; lane < w.factor; lane++ {
			if out[lane].Qualifies(j.Target) {
				w.source.Submit(job.NewResult(j, w.tested[lane], &out[lane]), w.id)
			}
		}

		w.hashes += uint64(w.factor)
		w.batches++
		runtime.Gosched()
	}
}

func (w *Worker) storeStats() {
	if w.recorder != nil {
		w.recorder.Add(w.id, w.hashes, time.Now())
	}
}
