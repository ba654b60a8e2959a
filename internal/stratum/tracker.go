package stratum

import (
	"sort"
	"time"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/pkg/errors"
)

// RequestKind identifies what a pending request is waiting for
type RequestKind int

const (
	// KindLogin is the login request
	KindLogin RequestKind = iota
	// KindSubmit is a share submission
	KindSubmit
	// KindKeepalive is a keepalived ping
	KindKeepalive
)

func (k RequestKind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindSubmit:
		return "submit"
	case KindKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// SubmitResult is a share in flight to the pool
type SubmitResult struct {
	RequestID int64
	job.Result
	SentAt   time.Time
	Elapsed  time.Duration
	Resolved bool
}

// Pending is an unresolved request
type Pending struct {
	ID       int64
	Kind     RequestKind
	Deadline time.Time
	Submit   *SubmitResult
}

// Tracker correlates responses with in-flight requests by request id. It is
// owned by the client event loop and is not safe for concurrent use.
type Tracker struct {
	pending map[int64]*Pending
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[int64]*Pending)}
}

// Add records a pending request. An id that is still unresolved is rejected.
func (t *Tracker) Add(p *Pending) error {
	if _, exists := t.pending[p.ID]; exists {
		return errors.New(errors.ErrorTypeInternal, "track_request", "duplicate request id").
			WithContext("request_id", p.ID)
	}
	t.pending[p.ID] = p
	return nil
}

// Resolve removes and returns the pending request with id. For submits the
// result is marked resolved and its round trip time recorded.
func (t *Tracker) Resolve(id int64, now time.Time) (*Pending, bool) {
	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)

	if p.Submit != nil {
		p.Submit.Resolved = true
		p.Submit.Elapsed = now.Sub(p.Submit.SentAt)
	}
	return p, true
}

// Expired removes and returns every request whose deadline has passed, oldest first.
func (t *Tracker) Expired(now time.Time) []*Pending {
	var expired []*Pending
	for id, p := range t.pending {
		if !now.Before(p.Deadline) {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Len returns the number of pending requests
func (t *Tracker) Len() int {
	return len(t.pending)
}

// Clear drops all pending requests and returns how many submits were lost
func (t *Tracker) Clear() int {
	lost := 0
	for id, p := range t.pending {
		if p.Kind == KindSubmit {
			lost++
		}
		delete(t.pending, id)
	}
	return lost
}
