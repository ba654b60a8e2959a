// Package scheduler publishes the current job to workers and routes their
// shares back to the pool client that issued the job.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/pkg/log"
)

// DefaultQueueSize bounds the number of shares waiting to be routed
const DefaultQueueSize = 256

// Router delivers a share to the pool client owning r.PoolID
type Router interface {
	Route(r job.Result, workerID int)
}

// RouterFunc adapts a function to Router
type RouterFunc func(r job.Result, workerID int)

// Route calls f(r, workerID)
func (f RouterFunc) Route(r job.Result, workerID int) {
	f(r, workerID)
}

// Config configures a Scheduler
type Config struct {
	QueueSize int
	Logger    *log.Logger
}

// snapshot is the published (job, sequence) pair. A snapshot is never
// modified after it is stored.
type snapshot struct {
	job      *job.Job
	sequence uint64
}

type submission struct {
	result   job.Result
	workerID int
}

// Scheduler is the single writer of the current job. Sequence 0 means no
// job has been published or mining is paused; every publish or resume
// issues the next sequence.
type Scheduler struct {
	current atomic.Pointer[snapshot]

	mu     sync.Mutex
	issued uint64

	results chan submission
	dropped atomic.Uint64
	logger  *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a paused scheduler with no job
func New(cfg Config) *Scheduler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	s := &Scheduler{
		results: make(chan submission, cfg.QueueSize),
		logger:  cfg.Logger.WithComponent("scheduler"),
	}
	s.current.Store(&snapshot{})
	return s
}

// Start runs the routing goroutine, handing queued shares to router
func (s *Scheduler) Start(ctx context.Context, router Router) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sub := <-s.results:
				router.Route(sub.result, sub.workerID)
			}
		}
	}()
}

// Stop ends routing. Shares still queued are discarded.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Publish makes j the current job and returns its sequence
func (s *Scheduler) Publish(j *job.Job) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.issued++
	s.current.Store(&snapshot{job: j, sequence: s.issued})

	s.logger.WithJob(j.ID, j.Difficulty).Debug("job published",
		"pool_id", j.PoolID,
		"sequence", s.issued,
	)
	return s.issued
}

// Pause stops workers. The current job stays readable through Job.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur.sequence == 0 {
		return
	}
	s.current.Store(&snapshot{job: cur.job})
	s.logger.Info("mining paused")
}

// Snapshot returns the current job and its sequence as one consistent pair
func (s *Scheduler) Snapshot() (*job.Job, uint64) {
	cur := s.current.Load()
	return cur.job, cur.sequence
}

// Job returns the current job, which may be nil
func (s *Scheduler) Job() *job.Job {
	return s.current.Load().job
}

// Sequence returns the current sequence
func (s *Scheduler) Sequence() uint64 {
	return s.current.Load().sequence
}

// IsPaused reports whether workers should idle
func (s *Scheduler) IsPaused() bool {
	return s.Sequence() == 0
}

// IsOutdated reports whether sequence is no longer current
func (s *Scheduler) IsOutdated(sequence uint64) bool {
	return s.Sequence() != sequence
}

// Submit queues a share for routing without blocking. A full queue drops
// the share and returns false.
func (s *Scheduler) Submit(r job.Result, workerID int) bool {
	select {
	case s.results <- submission{result: r, workerID: workerID}:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("share queue full, share dropped",
			"job_id", r.JobID,
			"worker_id", workerID,
		)
		return false
	}
}

// Dropped returns the number of shares lost to a full queue
func (s *Scheduler) Dropped() uint64 {
	return s.dropped.Load()
}
