// Package network coordinates the pool clients: it picks the active pool,
// diverts mining to the donation pool for its share of time, publishes jobs
// to the scheduler and routes shares back to the client that issued them.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/cpu"
	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/scheduler"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// DefaultDonateUnit is the length of one donation level step; a full cycle is 100 units
const DefaultDonateUnit = time.Minute

// Publisher is the part of the scheduler the network drives
type Publisher interface {
	Publish(j *job.Job) uint64
	Pause()
}

// Config configures a Network
type Config struct {
	Pools       []*stratum.URL
	Donate      *stratum.URL
	DonateLevel int
	DonateUnit  time.Duration

	User     string
	Password string
	Agent    string
	Retries  int

	ResponseTimeout   time.Duration
	KeepaliveInterval time.Duration
	RetryPause        time.Duration
	MaxMessageSize    int
	TickInterval      time.Duration
	Dialer            stratum.Dialer

	PrintTime time.Duration
	Worker    string
	Logger    *log.Logger
}

// Network implements stratum.Listener for every pool client and
// scheduler.Router for the workers' shares.
type Network struct {
	cfg       Config
	logger    *log.Logger
	publisher Publisher
	hashrate  *scheduler.Hashrate
	reports   *dispatcher

	clients []*stratum.Client
	donate  *stratum.Client

	mu       sync.Mutex
	active   int
	index    int
	critical map[int]bool
	userJob  *job.Job
	donating bool
	accepted uint64
	rejected uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the pool clients. Nothing connects until Start.
func New(cfg Config, publisher Publisher, hashrate *scheduler.Hashrate, reporters ...Reporter) (*Network, error) {
	if len(cfg.Pools) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "new_network", "no pools configured")
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.DonateUnit <= 0 {
		cfg.DonateUnit = DefaultDonateUnit
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = stratum.DefaultTickInterval
	}
	if cfg.PrintTime <= 0 {
		cfg.PrintTime = time.Minute
	}
	if cfg.Worker == "" {
		cfg.Worker = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	n := &Network{
		cfg:       cfg,
		logger:    cfg.Logger.WithComponent("network"),
		publisher: publisher,
		hashrate:  hashrate,
		active:    -1,
		critical:  make(map[int]bool),
	}
	n.reports = newDispatcher(reporters, n.logger)

	for i, u := range cfg.Pools {
		n.clients = append(n.clients, stratum.NewClient(n.clientConfig(i, u), n))
	}
	if cfg.Donate != nil && cfg.DonateLevel > 0 {
		n.donate = stratum.NewClient(n.clientConfig(job.DonatePoolID, cfg.Donate), n)
	}

	return n, nil
}

func (n *Network) clientConfig(id int, u *stratum.URL) stratum.Config {
	return stratum.Config{
		ID:                id,
		URL:               u,
		User:              n.cfg.User,
		Password:          n.cfg.Password,
		Agent:             n.cfg.Agent,
		ResponseTimeout:   n.cfg.ResponseTimeout,
		KeepaliveInterval: n.cfg.KeepaliveInterval,
		RetryPause:        n.cfg.RetryPause,
		TickInterval:      n.cfg.TickInterval,
		MaxMessageSize:    n.cfg.MaxMessageSize,
		Dialer:            n.cfg.Dialer,
		Logger:            n.cfg.Logger,
	}
}

// Start runs every client and connects to the first pool
func (n *Network) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	n.reports.start(ctx)
	for _, c := range n.clients {
		c.Start(ctx)
	}
	if n.donate != nil {
		n.donate.Start(ctx)
	}

	n.logger.Info("connecting",
		"pools", len(n.clients),
		"donate_level", n.cfg.DonateLevel,
	)
	n.clients[0].Connect()

	n.wg.Add(1)
	go n.loop(ctx)
}

// Stop disconnects every client and waits for background work to finish
func (n *Network) Stop() {
	for _, c := range n.clients {
		c.Stop()
	}
	if n.donate != nil {
		n.donate.Stop()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.reports.stop()
}

// Active returns the index of the pool whose jobs are being mined, or -1
func (n *Network) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Donating reports whether the donation pool's jobs are being mined
func (n *Network) Donating() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.donating
}

// Totals returns the accepted and rejected share counts
func (n *Network) Totals() (accepted, rejected uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.accepted, n.rejected
}

// Route hands a share to the client that issued its job
func (n *Network) Route(r job.Result, workerID int) {
	var c *stratum.Client
	switch {
	case r.PoolID == job.DonatePoolID:
		c = n.donate
	case r.PoolID >= 0 && r.PoolID < len(n.clients):
		c = n.clients[r.PoolID]
	}

	if c == nil {
		n.logger.Warn("share for unknown pool dropped",
			"pool_id", r.PoolID,
			"job_id", r.JobID,
			"worker_id", workerID,
		)
		return
	}
	c.Submit(r)
}

func (n *Network) isDonate(c *stratum.Client) bool {
	return n.donate != nil && c == n.donate
}

// OnLoginSuccess makes the first pool, or any pool when none is active,
// the active one and disconnects the backups it supersedes.
func (n *Network) OnLoginSuccess(c *stratum.Client) {
	n.reportConnection(c, EventLogin, 0, "")

	if n.isDonate(c) {
		n.logger.Info("donation pool logged in", "pool", c.URL().Address())
		return
	}

	n.mu.Lock()
	active := n.active
	if c.ID() == 0 || active == -1 {
		active = c.ID()
	}
	if active != n.active {
		n.index = active
		n.active = active
		n.logger.Info("use pool", "pool_id", active, "pool", n.clients[active].URL().Address())
	}
	n.mu.Unlock()

	var superseded []*stratum.Client
	for i := 1; i < len(n.clients); i++ {
		if i != active {
			superseded = append(superseded, n.clients[i])
		}
	}
	if len(superseded) == 0 {
		return
	}

	// this runs on c's event loop and c may be among the superseded, so the
	// commands are posted from another goroutine
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, sc := range superseded {
			sc.Disconnect()
		}
	}()
}

// OnJobReceived publishes jobs of the active pool. While donating, the user
// pool's job is kept for when the donation period ends.
func (n *Network) OnJobReceived(c *stratum.Client, j *job.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isDonate(c) {
		n.donating = true
		n.publish(c, j)
		return
	}

	if c.ID() != n.active {
		return
	}

	n.userJob = j
	if n.donating {
		return
	}
	n.publish(c, j)
}

func (n *Network) publish(c *stratum.Client, j *job.Job) {
	n.publisher.Publish(j)
	n.logger.WithJob(j.ID, j.Difficulty).Info("new job",
		"pool_id", j.PoolID,
		"donate", j.PoolID == job.DonatePoolID,
	)
	n.reportJob(c, j)
}

func (n *Network) reportJob(c *stratum.Client, j *job.Job) {
	ev := JobEvent{
		PoolID:     j.PoolID,
		Pool:       c.URL().Address(),
		JobID:      j.ID,
		Difficulty: j.Difficulty,
		Nicehash:   j.Nicehash,
		Timestamp:  time.Now(),
	}
	n.reports.send(func(ctx context.Context, r Reporter) error {
		return r.Job(ctx, ev)
	})
}

// OnResultAccepted counts and reports a share outcome
func (n *Network) OnResultAccepted(c *stratum.Client, sr *stratum.SubmitResult, reason string) {
	n.mu.Lock()
	if reason == "" {
		n.accepted++
	} else {
		n.rejected++
	}
	accepted, rejected := n.accepted, n.rejected
	n.mu.Unlock()

	n.logger.WithPool(c.ID(), c.URL().Host, c.URL().Port).
		LogShareResult(accepted, rejected, sr.Difficulty, reason, sr.Elapsed.Milliseconds())

	ev := ShareEvent{
		PoolID:           c.ID(),
		Pool:             c.URL().Address(),
		JobID:            sr.JobID,
		Nonce:            sr.NonceHex(),
		Digest:           sr.DigestHex(),
		Difficulty:       sr.Difficulty,
		ActualDifficulty: sr.ActualDifficulty(),
		Accepted:         reason == "",
		Reason:           reason,
		Elapsed:          sr.Elapsed,
		Timestamp:        time.Now(),
	}
	n.reports.send(func(ctx context.Context, r Reporter) error {
		return r.ShareResult(ctx, ev)
	})
}

// OnClose applies the failover policy. A deliberate close is ignored.
func (n *Network) OnClose(c *stratum.Client, failures int) {
	n.reportConnection(c, EventClose, failures, "")

	if n.isDonate(c) {
		n.endDonation()
		return
	}
	if failures == -1 {
		return
	}

	n.mu.Lock()
	if c.ID() == n.active {
		n.active = -1
		n.userJob = nil
		n.logger.Warn("active pool lost", "pool_id", c.ID(), "failures", failures)
		if !n.donating {
			n.publisher.Pause()
		}
	}

	critical := n.critical[c.ID()]
	delete(n.critical, c.ID())

	var next *stratum.Client
	if c.ID() == n.index && (critical || failures >= n.cfg.Retries) {
		next = n.next(critical)
	}
	n.mu.Unlock()

	if next != nil {
		next.Connect()
	}
}

// next advances the failover index and returns the pool to connect, or nil
// when there is nowhere else to go.
func (n *Network) next(critical bool) *stratum.Client {
	if len(n.clients) == 1 {
		if critical {
			n.logger.Error("pool refused the miner and no other pool is configured",
				"pool", n.clients[0].URL().Address())
		}
		return nil
	}

	n.index = (n.index + 1) % len(n.clients)
	n.logger.Info("switching to next pool", "pool_id", n.index, "pool", n.clients[n.index].URL().Address())
	return n.clients[n.index]
}

// OnError logs client errors. Critical pool errors trigger an immediate
// failover when the client closes.
func (n *Network) OnError(c *stratum.Client, err error) {
	n.reportConnection(c, EventError, 0, err.Error())

	logger := n.logger.WithPool(c.ID(), c.URL().Host, c.URL().Port).WithError(err)
	if errors.IsType(err, errors.ErrorTypeCriticalPool) {
		logger.Error("pool refused the miner")
		n.mu.Lock()
		n.critical[c.ID()] = true
		n.mu.Unlock()
		return
	}
	logger.Debug("pool client error")
}

func (n *Network) reportConnection(c *stratum.Client, event string, failures int, message string) {
	ev := ConnectionEvent{
		PoolID:    c.ID(),
		Pool:      c.URL().Address(),
		Event:     event,
		Failures:  failures,
		Message:   message,
		Timestamp: time.Now(),
	}
	n.reports.send(func(ctx context.Context, r Reporter) error {
		return r.Connection(ctx, ev)
	})
}

// endDonation returns the workers to the user pool's job. Republishing the
// interrupted job lets workers restore their saved nonce progress.
func (n *Network) endDonation() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.donating {
		return
	}
	n.donating = false

	if n.active >= 0 && n.userJob != nil && n.userJob.PoolID == n.active {
		n.logger.Info("donation finished, resuming pool job", "job_id", n.userJob.ID)
		n.publish(n.clients[n.active], n.userJob)
		return
	}
	n.publisher.Pause()
}

func (n *Network) loop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	now := time.Now()
	nextReport := now.Add(n.cfg.PrintTime)

	var nextDonate time.Time
	donateActive := false
	if n.donate != nil {
		nextDonate = now.Add(time.Duration(100-n.cfg.DonateLevel) * n.cfg.DonateUnit)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n.hashrate != nil {
				n.hashrate.UpdateHighest()
				if !now.Before(nextReport) {
					nextReport = now.Add(n.cfg.PrintTime)
					n.reportHashrate(ctx, now)
				}
			}

			if n.donate != nil && !now.Before(nextDonate) {
				donateActive = !donateActive
				if donateActive {
					n.logger.Info("donation period started", "minutes", n.cfg.DonateLevel)
					n.donate.Connect()
					nextDonate = now.Add(time.Duration(n.cfg.DonateLevel) * n.cfg.DonateUnit)
				} else {
					n.donate.Disconnect()
					nextDonate = now.Add(time.Duration(100-n.cfg.DonateLevel) * n.cfg.DonateUnit)
				}
			}
		}
	}
}

func (n *Network) reportHashrate(ctx context.Context, now time.Time) {
	rep := n.hashrate.Report()
	n.logger.LogHashrate(rep.Short, rep.Medium, rep.Large, rep.Highest)

	usage, err := cpu.Usage(ctx)
	if err != nil {
		n.logger.WithError(err).Debug("cpu usage unavailable")
	}

	ev := HashrateEvent{
		Worker:     n.cfg.Worker,
		Short:      rep.Short,
		Medium:     rep.Medium,
		Large:      rep.Large,
		Highest:    rep.Highest,
		Threads:    rep.Threads,
		CPUPercent: usage,
		Timestamp:  now,
	}
	n.reports.send(func(ctx context.Context, r Reporter) error {
		return r.Hashrate(ctx, ev)
	})
}

func (n *Network) String() string {
	return fmt.Sprintf("network(pools=%d active=%d)", len(n.clients), n.Active())
}
