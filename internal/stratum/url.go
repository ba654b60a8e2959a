package stratum

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/bardlex/gominer/pkg/errors"
)

// TLSPort is the port on which TLS is selected automatically.
const TLSPort = 443

// URL describes one pool endpoint and the per-pool options carried with it.
type URL struct {
	Host        string
	Port        int
	User        string
	Password    string
	TLS         bool
	Fingerprint string
	Keepalive   bool
	Nicehash    bool
}

// ParseURL parses stratum+tcp://[user[:pass]@]host:port, stratum+ssl:// or
// stratum+tls://, or a bare host:port. Query flags keepalive, nicehash and tls
// toggle per-pool options; fp sets a SHA-256 certificate pin.
func ParseURL(raw string) (*URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "parse_url", "empty pool url")
	}
	if !strings.Contains(raw, "://") {
		raw = "stratum+tcp://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse_url", "invalid pool url")
	}

	var forceTLS bool
	switch strings.ToLower(u.Scheme) {
	case "stratum+tcp", "tcp":
	case "stratum+ssl", "stratum+tls", "ssl", "tls":
		forceTLS = true
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "parse_url", "unsupported scheme").
			WithContext("scheme", u.Scheme)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse_url", "missing port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, errors.New(errors.ErrorTypeConfig, "parse_url", "invalid port").
			WithContext("port", portStr)
	}
	if host == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "parse_url", "missing host")
	}

	p := &URL{
		Host: host,
		Port: port,
		TLS:  forceTLS || port == TLSPort,
	}
	if u.User != nil {
		p.User = u.User.Username()
		p.Password, _ = u.User.Password()
	}

	q := u.Query()
	p.Keepalive = flag(q, "keepalive", false)
	p.Nicehash = flag(q, "nicehash", false)
	p.TLS = flag(q, "tls", p.TLS)
	p.Fingerprint = strings.ToLower(strings.ReplaceAll(q.Get("fp"), ":", ""))

	return p, nil
}

func flag(q url.Values, name string, def bool) bool {
	if !q.Has(name) {
		return def
	}
	v := q.Get(name)
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Address returns host:port
func (u *URL) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u *URL) String() string {
	scheme := "stratum+tcp"
	if u.TLS {
		scheme = "stratum+ssl"
	}
	return scheme + "://" + u.Address()
}
