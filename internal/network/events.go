package network

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/log"
)

// Connection event names
const (
	EventLogin = "login"
	EventClose = "close"
	EventError = "error"
)

// ShareEvent is the terminal outcome of one submitted share
type ShareEvent struct {
	PoolID           int
	Pool             string
	JobID            string
	Nonce            string
	Digest           string
	Difficulty       uint64
	ActualDifficulty uint64
	Accepted         bool
	Reason           string
	Elapsed          time.Duration
	Timestamp        time.Time
}

// HashrateEvent is a periodic hashrate sample
type HashrateEvent struct {
	Worker     string
	Short      float64
	Medium     float64
	Large      float64
	Highest    float64
	Threads    []float64
	CPUPercent float64
	Timestamp  time.Time
}

// JobEvent records a job handed to the workers
type JobEvent struct {
	PoolID     int
	Pool       string
	JobID      string
	Difficulty uint64
	Nicehash   bool
	Timestamp  time.Time
}

// ConnectionEvent records a pool login, close or error
type ConnectionEvent struct {
	PoolID    int
	Pool      string
	Event     string
	Failures  int
	Message   string
	Timestamp time.Time
}

// Reporter receives telemetry. Calls are made from a single dispatcher
// goroutine, never from a pool client's event loop.
type Reporter interface {
	ShareResult(ctx context.Context, ev ShareEvent) error
	Hashrate(ctx context.Context, ev HashrateEvent) error
	Job(ctx context.Context, ev JobEvent) error
	Connection(ctx context.Context, ev ConnectionEvent) error
}

const (
	dispatchQueueSize = 1024
	dispatchTimeout   = 5 * time.Second
)

type dispatch func(ctx context.Context, r Reporter) error

// dispatcher fans events out to reporters off the caller's goroutine. It
// keeps running after the network's context ends so that the close events
// of a shutdown are delivered; stop drains the queue and waits.
type dispatcher struct {
	reporters []Reporter
	queue     chan dispatch
	done      chan struct{}
	stopOnce  sync.Once
	logger    *log.Logger
	wg        sync.WaitGroup
}

func newDispatcher(reporters []Reporter, logger *log.Logger) *dispatcher {
	return &dispatcher{
		reporters: reporters,
		queue:     make(chan dispatch, dispatchQueueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (d *dispatcher) start(ctx context.Context) {
	if len(d.reporters) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.done:
				d.drain(ctx)
				return
			case fn := <-d.queue:
				d.run(ctx, fn)
			}
		}
	}()
}

func (d *dispatcher) run(ctx context.Context, fn dispatch) {
	for _, r := range d.reporters {
		callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		if err := fn(callCtx, r); err != nil {
			d.logger.WithError(err).Warn("reporter failed")
		}
		cancel()
	}
}

func (d *dispatcher) drain(ctx context.Context) {
	for {
		select {
		case fn := <-d.queue:
			d.run(ctx, fn)
		default:
			return
		}
	}
}

func (d *dispatcher) send(fn dispatch) {
	if len(d.reporters) == 0 {
		return
	}
	select {
	case d.queue <- fn:
	default:
		d.logger.Warn("report queue full, event dropped")
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}
