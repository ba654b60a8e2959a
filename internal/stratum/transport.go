package stratum

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Handler receives transport events. Both methods are called from the
// transport's read goroutine; data is only valid for the duration of the call.
type Handler interface {
	OnReceive(data []byte)
	OnError(err error)
}

// Transport is a connected byte stream to a pool
type Transport interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

// Dialer resolves pool hosts and opens transports to them
type Dialer interface {
	Resolve(ctx context.Context, host string) (string, error)
	Dial(ctx context.Context, ip string, u *URL, h Handler) (Transport, error)
}

// NetDialer opens plain TCP or TLS transports
type NetDialer struct {
	Timeout      time.Duration
	WriteTimeout time.Duration
	Resolver     *net.Resolver
	Logger       *log.Logger
}

// Resolve returns the first address of host
func (d *NetDialer) Resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransport, "resolve", "DNS error").
			WithContext("host", host)
	}
	if len(addrs) == 0 {
		return "", errors.New(errors.ErrorTypeTransport, "resolve", "no addresses").
			WithContext("host", host)
	}
	return addrs[0], nil
}

// Dial connects to ip on the URL's port, wrapping the stream in TLS when the URL asks for it
func (d *NetDialer) Dial(ctx context.Context, ip string, u *URL, h Handler) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(u.Port)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "dial", "connect failed").
			WithContext("pool", u.Address())
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}

	if u.TLS {
		tlsConn := tls.Client(conn, tlsConfig(u))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeTransport, "tls_handshake", "TLS handshake failed").
				WithContext("pool", u.Address())
		}
		conn = tlsConn
	}

	logger := d.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return newConnTransport(conn, h, d.WriteTimeout, logger), nil
}

func tlsConfig(u *URL) *tls.Config {
	cfg := &tls.Config{
		ServerName: u.Host,
		MinVersion: tls.VersionTLS12,
	}
	if u.Fingerprint == "" {
		return cfg
	}

	// pinned certificates replace chain verification
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New(errors.ErrorTypeTransport, "tls_verify", "no peer certificate")
		}
		sum := sha256.Sum256(cs.PeerCertificates[0].Raw)
		if got := hex.EncodeToString(sum[:]); got != u.Fingerprint {
			return errors.New(errors.ErrorTypeTransport, "tls_verify", "certificate fingerprint mismatch").
				WithContext("fingerprint", got)
		}
		return nil
	}
	return cfg
}

// connTransport runs a read goroutine feeding the handler and a write
// goroutine draining the outbound queue.
type connTransport struct {
	conn         net.Conn
	handler      Handler
	logger       *log.Logger
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
	failOnce sync.Once
}

func newConnTransport(conn net.Conn, h Handler, writeTimeout time.Duration, logger *log.Logger) *connTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	t := &connTransport{
		conn:         conn,
		handler:      h,
		logger:       logger,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}

	go t.writeLoop()
	go t.readLoop()

	return t
}

func (t *connTransport) readLoop() {
	buf := getReadBuffer()
	defer putReadBuffer(buf)

	for {
		n, err := t.conn.Read(*buf)
		if n > 0 {
			select {
			case <-t.done:
				return
			default:
			}
			t.handler.OnReceive((*buf)[:n])
		}
		if err != nil {
			t.fail(err, "read")
			return
		}
	}
}

func (t *connTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case data := <-t.outbound:
			if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
				t.fail(err, "write")
				return
			}
			if _, err := t.conn.Write(data); err != nil {
				t.fail(err, "write")
				return
			}
		}
	}
}

// fail reports err once, unless the transport was closed locally
func (t *connTransport) fail(err error, op string) {
	select {
	case <-t.done:
		return
	default:
	}

	t.failOnce.Do(func() {
		t.logger.Debug("transport failed", "op", op, "remote_addr", t.RemoteAddr(), "error", err)
		if err == io.EOF {
			t.handler.OnError(errors.New(errors.ErrorTypeTransport, op, "connection closed by pool"))
		} else {
			t.handler.OnError(errors.Wrap(err, errors.ErrorTypeTransport, op, "socket error"))
		}
	})
	_ = t.Close()
}

// Send queues data for writing
func (t *connTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return errors.New(errors.ErrorTypeTransport, "send", "transport closed")
	default:
	}

	select {
	case t.outbound <- data:
		return nil
	case <-t.done:
		return errors.New(errors.ErrorTypeTransport, "send", "transport closed")
	default:
		return errors.New(errors.ErrorTypeTransport, "send", "outbound queue full")
	}
}

// Close closes the connection. Further errors from the read side are not reported.
func (t *connTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address
func (t *connTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
