package stratum

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Default protocol timings
const (
	DefaultResponseTimeout   = 20 * time.Second
	DefaultKeepaliveInterval = 60 * time.Second
	DefaultRetryPause        = 5 * time.Second
	DefaultTickInterval      = time.Second
)

// State is the connection state of a Client
type State int32

const (
	// StateUnconnected means no transport and no connect in progress
	StateUnconnected State = iota
	// StateResolving means the pool host is being resolved
	StateResolving
	// StateConnecting means the transport is being established
	StateConnecting
	// StateConnected means the transport is up; login may still be in flight
	StateConnected
	// StateClosing means the transport is being torn down
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Listener receives client events. All methods are called from the client's
// event loop goroutine and must not block for long.
type Listener interface {
	OnLoginSuccess(c *Client)
	OnJobReceived(c *Client, j *job.Job)
	// OnResultAccepted reports the pool verdict on a share. rejectReason is
	// empty when the share was accepted.
	OnResultAccepted(c *Client, r *SubmitResult, rejectReason string)
	// OnClose reports a closed connection. failures is the consecutive failure
	// count, or -1 when the close was requested through Disconnect.
	OnClose(c *Client, failures int)
	OnError(c *Client, err error)
}

// Config configures a Client
type Config struct {
	ID                int
	URL               *URL
	User              string
	Password          string
	Agent             string
	ResponseTimeout   time.Duration
	KeepaliveInterval time.Duration
	RetryPause        time.Duration
	TickInterval      time.Duration
	MaxMessageSize    int
	Dialer            Dialer
	Logger            *log.Logger
}

type eventKind int

const (
	cmdConnect eventKind = iota
	cmdDisconnect
	cmdSubmit
	cmdStop
	evResolved
	evConnected
	evConnectFailed
	evReceive
	evTransportError
)

type event struct {
	kind      eventKind
	gen       uint64
	data      []byte
	err       error
	transport Transport
	result    job.Result
}

// Client is one pool connection. All protocol state is owned by a single
// event loop goroutine; exported methods hand work to it through a channel.
type Client struct {
	cfg      Config
	listener Listener
	logger   *log.Logger

	events chan event
	done   chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	state  atomic.Int32

	// loop-owned
	gen           uint64
	transport     Transport
	connectCancel context.CancelFunc
	framer        *LineBuffer
	tracker       *Tracker
	failures      int
	sequence      int64
	sessionID     string
	currentJob    *job.Job
	retryAt       time.Time
	lastSend      time.Time
}

// NewClient creates a client. Start must be called before it does anything.
func NewClient(cfg Config, listener Listener) *Client {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = DefaultRetryPause
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &NetDialer{Timeout: cfg.ResponseTimeout, Logger: cfg.Logger}
	}
	if cfg.User == "" && cfg.URL != nil {
		cfg.User = cfg.URL.User
	}
	if cfg.Password == "" && cfg.URL != nil {
		cfg.Password = cfg.URL.Password
	}

	return &Client{
		cfg:      cfg,
		listener: listener,
		logger:   cfg.Logger.WithComponent("stratum").WithPool(cfg.ID, cfg.URL.Host, cfg.URL.Port),
		events:   make(chan event, 256),
		done:     make(chan struct{}),
		framer:   NewLineBuffer(cfg.MaxMessageSize),
		tracker:  NewTracker(),
	}
}

// ID returns the pool index this client was created with
func (c *Client) ID() int {
	return c.cfg.ID
}

// URL returns the pool endpoint
func (c *Client) URL() *URL {
	return c.cfg.URL
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Start runs the event loop until ctx is cancelled or Stop is called
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop()
}

// Stop disconnects deliberately and waits for the event loop to exit
func (c *Client) Stop() {
	c.post(event{kind: cmdStop})
	c.wg.Wait()
}

// Connect starts a connection attempt if the client is unconnected
func (c *Client) Connect() {
	c.post(event{kind: cmdConnect})
}

// Disconnect closes the connection on purpose and stops automatic reconnects.
// The listener sees OnClose with failures -1.
func (c *Client) Disconnect() {
	c.post(event{kind: cmdDisconnect})
}

// Submit queues a share for submission. It returns false when the client has stopped.
func (c *Client) Submit(r job.Result) bool {
	return c.post(event{kind: cmdSubmit, result: r})
}

func (c *Client) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) loop() {
	defer c.wg.Done()
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			// shutdown is a deliberate close: the listener still sees OnClose(-1)
			c.disconnect()
			c.teardown()
			return
		case now := <-ticker.C:
			c.tick(now)
		case ev := <-c.events:
			if ev.kind == cmdStop {
				c.disconnect()
				c.teardown()
				c.cancel()
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Client) teardown() {
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.setState(StateUnconnected)
}

func (c *Client) handle(ev event) {
	switch ev.kind {
	case cmdConnect:
		if c.failures == -1 {
			c.failures = 0
		}
		c.connect()
	case cmdDisconnect:
		c.disconnect()
	case cmdSubmit:
		c.submit(ev.result)
	default:
		if ev.gen != c.gen {
			if ev.transport != nil {
				_ = ev.transport.Close()
			}
			return
		}
		c.handleTransportEvent(ev)
	}
}

func (c *Client) handleTransportEvent(ev event) {
	switch ev.kind {
	case evResolved:
		c.setState(StateConnecting)
	case evConnected:
		c.onConnected(ev.transport)
	case evConnectFailed:
		c.logger.WithError(ev.err).Warn("connect error")
		c.listener.OnError(c, ev.err)
		c.connectCancel = nil
		c.closeConn(true)
	case evReceive:
		c.onRead(ev.data)
	case evTransportError:
		c.logger.WithError(ev.err).Warn("read error")
		c.listener.OnError(c, ev.err)
		c.closeConn(true)
	}
}

func (c *Client) connect() {
	if c.State() != StateUnconnected {
		return
	}

	c.gen++
	gen := c.gen
	c.retryAt = time.Time{}
	c.setState(StateResolving)

	ctx, cancel := context.WithCancel(c.ctx)
	c.connectCancel = cancel

	u := c.cfg.URL
	dialer := c.cfg.Dialer
	go func() {
		ip, err := dialer.Resolve(ctx, u.Host)
		if err != nil {
			c.post(event{kind: evConnectFailed, gen: gen, err: err})
			return
		}
		c.post(event{kind: evResolved, gen: gen})

		t, err := dialer.Dial(ctx, ip, u, &transportHandler{client: c, gen: gen})
		if err != nil {
			c.post(event{kind: evConnectFailed, gen: gen, err: err})
			return
		}
		if !c.post(event{kind: evConnected, gen: gen, transport: t}) {
			_ = t.Close()
		}
	}()
}

func (c *Client) onConnected(t Transport) {
	c.connectCancel = nil
	c.transport = t
	c.framer.Reset()
	c.tracker.Clear()
	c.sequence = LoginRequestID
	c.sessionID = ""
	c.setState(StateConnected)
	c.logger.LogConnection("connected", t.RemoteAddr())

	c.login()
}

func (c *Client) login() {
	params := &LoginParams{
		Login: c.cfg.User,
		Pass:  c.cfg.Password,
		Agent: c.cfg.Agent,
	}
	now := time.Now()
	_ = c.tracker.Add(&Pending{ID: LoginRequestID, Kind: KindLogin, Deadline: now.Add(c.cfg.ResponseTimeout)})
	c.send(LoginRequestID, MethodLogin, params)
}

func (c *Client) submit(r job.Result) {
	if c.State() != StateConnected || c.sessionID == "" {
		c.logger.Warn("share dropped, not logged in", "job_id", r.JobID)
		return
	}

	c.sequence++
	id := c.sequence
	now := time.Now()

	sr := &SubmitResult{RequestID: id, Result: r, SentAt: now}
	if err := c.tracker.Add(&Pending{ID: id, Kind: KindSubmit, Deadline: now.Add(c.cfg.ResponseTimeout), Submit: sr}); err != nil {
		c.logger.WithError(err).Error("share not tracked")
		return
	}

	c.send(id, MethodSubmit, &SubmitParams{
		ID:     c.sessionID,
		JobID:  r.JobID,
		Nonce:  r.NonceHex(),
		Result: r.DigestHex(),
	})
}

func (c *Client) keepalive(now time.Time) {
	c.sequence++
	id := c.sequence
	_ = c.tracker.Add(&Pending{ID: id, Kind: KindKeepalive, Deadline: now.Add(c.cfg.ResponseTimeout)})
	c.send(id, MethodKeepalive, &KeepaliveParams{ID: c.sessionID})
}

func (c *Client) send(id int64, method string, params any) {
	data, err := MarshalRequest(id, method, params)
	if err != nil {
		c.logger.WithError(err).Error("encode request")
		return
	}

	c.logger.LogStratumMessage("send", string(data[:len(data)-1]))

	if err := c.transport.Send(data); err != nil {
		c.logger.WithError(err).Warn("send error")
		c.listener.OnError(c, err)
		c.closeConn(true)
		return
	}
	c.lastSend = time.Now()
}

func (c *Client) onRead(data []byte) {
	err := c.framer.Feed(data, func(line []byte) bool {
		c.parseLine(line)
		return c.State() == StateConnected
	})
	if err != nil {
		c.logger.WithError(err).Warn("receive buffer overflow")
		c.listener.OnError(c, err)
		c.closeConn(true)
	}
}

func (c *Client) parseLine(line []byte) {
	if len(line) == 0 {
		return
	}

	c.logger.LogStratumMessage("recv", string(line))

	msg, err := ParseMessage(line)
	if err != nil {
		c.logger.WithError(err).Warn("JSON decode failed")
		return
	}

	if id, ok := msg.NumericID(); ok {
		c.parseResponse(id, msg)
		return
	}

	if msg.Method != "" {
		c.parseNotification(msg)
		return
	}

	c.logger.Warn("message without id or method dropped")
}

func (c *Client) parseNotification(msg *Message) {
	if msg.Method != MethodJob {
		c.logger.Warn("unsupported method", "method", msg.Method)
		return
	}

	params, err := DecodeJobParams(msg.Params)
	if err != nil {
		c.logger.WithError(err).Warn("invalid job notification")
		return
	}

	j, err := c.parseJob(params)
	if err != nil {
		return
	}
	c.listener.OnJobReceived(c, j)
}

func (c *Client) parseResponse(id int64, msg *Message) {
	now := time.Now()

	if msg.Error != nil {
		message := msg.Error.Message
		c.logger.Warn("pool error", "request_id", id, "code", msg.Error.Code, "message", message)

		if p, ok := c.tracker.Resolve(id, now); ok && p.Kind == KindSubmit {
			c.listener.OnResultAccepted(c, p.Submit, message)
		}

		critical := errors.IsCriticalPoolMessage(message)
		if critical {
			c.listener.OnError(c, errors.ClassifyPoolMessage("response", message).
				WithContext("request_id", id))
		}
		if id == LoginRequestID || critical {
			c.closeConn(!critical)
		}
		return
	}

	if id == LoginRequestID {
		c.tracker.Resolve(id, now)
		c.onLoginResponse(msg)
		return
	}

	p, ok := c.tracker.Resolve(id, now)
	if !ok {
		c.logger.Warn("response to unknown request", "request_id", id)
		return
	}
	if p.Kind == KindSubmit {
		c.listener.OnResultAccepted(c, p.Submit, "")
	}
}

func (c *Client) onLoginResponse(msg *Message) {
	res, err := DecodeLoginResult(msg.Result)
	if err == nil && (res.ID == "" || len(res.ID) >= job.MaxIDLength) {
		err = errors.New(errors.ErrorTypeProtocol, "parse_login", "invalid session id")
	}
	if err == nil && res.Job == nil {
		err = errors.New(errors.ErrorTypeProtocol, "parse_login", "login result has no job")
	}
	if err != nil {
		c.logger.WithError(err).Warn("login failed")
		c.listener.OnError(c, err)
		c.closeConn(true)
		return
	}

	c.sessionID = res.ID
	j, err := c.parseJob(res.Job)
	if err != nil {
		if c.State() == StateConnected {
			c.listener.OnError(c, err)
			c.closeConn(true)
		}
		return
	}

	c.failures = 0
	c.lastSend = time.Now()
	c.logger.Info("logged in", "session_id", c.sessionID)
	c.listener.OnLoginSuccess(c)
	c.listener.OnJobReceived(c, j)
}

// parseJob turns job params into a job. A job equal to the current one is a
// duplicate delivery and closes the connection.
func (c *Client) parseJob(params *JobParams) (*job.Job, error) {
	j, err := job.Parse(c.cfg.ID, params.JobID, params.Blob, params.Target, c.cfg.URL.Nicehash)
	if err != nil {
		c.logger.WithError(err).Warn("invalid job", "job_id", params.JobID)
		return nil, err
	}

	if c.currentJob.Equal(j) {
		err := errors.New(errors.ErrorTypeProtocol, "parse_job", "duplicate job received").
			WithContext("job_id", j.ID)
		c.logger.Warn("duplicate job received, reconnect", "job_id", j.ID)
		c.listener.OnError(c, err)
		c.closeConn(true)
		return nil, err
	}

	c.currentJob = j
	c.logger.WithJob(j.ID, j.Difficulty).Debug("new job")
	return j, nil
}

func (c *Client) tick(now time.Time) {
	switch c.State() {
	case StateConnected:
		if expired := c.tracker.Expired(now); len(expired) > 0 {
			err := errors.New(errors.ErrorTypeTimeout, expired[0].Kind.String(), "no response from pool").
				WithContext("request_id", expired[0].ID)
			c.logger.Warn("response timeout", "request_id", expired[0].ID, "kind", expired[0].Kind.String())
			c.listener.OnError(c, err)
			c.closeConn(true)
			return
		}
		if c.cfg.URL.Keepalive && c.sessionID != "" && now.Sub(c.lastSend) >= c.cfg.KeepaliveInterval {
			c.keepalive(now)
		}
	case StateUnconnected:
		if !c.retryAt.IsZero() && !now.Before(c.retryAt) {
			c.retryAt = time.Time{}
			c.connect()
		}
	}
}

func (c *Client) disconnect() {
	c.failures = -1
	c.retryAt = time.Time{}
	if c.State() == StateUnconnected {
		return
	}
	c.closeConn(false)
}

// closeConn tears the connection down and runs the reconnect policy. retry
// arms the automatic reconnect timer unless the close was deliberate.
func (c *Client) closeConn(retry bool) {
	state := c.State()
	if state == StateUnconnected || state == StateClosing {
		return
	}

	c.setState(StateClosing)
	c.gen++

	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.transport != nil {
		c.logger.LogConnection("closed", c.transport.RemoteAddr())
		_ = c.transport.Close()
		c.transport = nil
	}
	if lost := c.tracker.Clear(); lost > 0 {
		c.logger.Warn("pending shares lost on close", "count", lost)
	}
	c.framer.Reset()
	c.sessionID = ""
	c.currentJob = nil
	c.setState(StateUnconnected)

	if c.failures == -1 {
		c.listener.OnClose(c, -1)
		return
	}

	c.failures++
	c.listener.OnClose(c, c.failures)

	if retry {
		c.retryAt = time.Now().Add(c.cfg.RetryPause)
	}
}

// transportHandler forwards transport callbacks onto the event loop
type transportHandler struct {
	client *Client
	gen    uint64
}

func (h *transportHandler) OnReceive(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	h.client.post(event{kind: evReceive, gen: h.gen, data: buf})
}

func (h *transportHandler) OnError(err error) {
	h.client.post(event{kind: evTransportError, gen: h.gen, err: err})
}
