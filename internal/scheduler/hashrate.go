package scheduler

import (
	"sync"
	"time"
)

// Hashrate averaging windows
const (
	ShortInterval  = 2500 * time.Millisecond
	MediumInterval = 60 * time.Second
	LargeInterval  = 15 * time.Minute
)

const (
	bucketSize = 1 << 12
	bucketMask = bucketSize - 1
)

// ring holds the most recent (total hashes, timestamp) samples of one thread
type ring struct {
	mu     sync.Mutex
	counts [bucketSize]uint64
	stamps [bucketSize]int64
	top    int
}

// Hashrate aggregates per-thread hash counters into rates over time windows
type Hashrate struct {
	threads []*ring

	mu      sync.Mutex
	highest float64
}

// NewHashrate creates counters for threads workers
func NewHashrate(threads int) *Hashrate {
	h := &Hashrate{threads: make([]*ring, threads)}
	for i := range h.threads {
		h.threads[i] = &ring{}
	}
	return h
}

// Threads returns the number of tracked threads
func (h *Hashrate) Threads() int {
	return len(h.threads)
}

// Add records that thread had computed count hashes in total at time at
func (h *Hashrate) Add(thread int, count uint64, at time.Time) {
	if thread < 0 || thread >= len(h.threads) {
		return
	}
	r := h.threads[thread]

	r.mu.Lock()
	r.counts[r.top] = count
	r.stamps[r.top] = at.UnixMilli()
	r.top = (r.top + 1) & bucketMask
	r.mu.Unlock()
}

// Calc returns the rate of thread over window in hashes per second. ok is
// false until the thread has samples older than the window.
func (h *Hashrate) Calc(thread int, window time.Duration) (rate float64, ok bool) {
	return h.calcAt(thread, window, time.Now())
}

func (h *Hashrate) calcAt(thread int, window time.Duration, now time.Time) (float64, bool) {
	if thread < 0 || thread >= len(h.threads) {
		return 0, false
	}
	r := h.threads[thread]

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		latestCount, earliestCount uint64
		latestStamp, earliestStamp int64
		haveLatest, full           bool
	)

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	for i := 0; i < bucketSize; i++ {
		idx := (r.top - i - 1) & bucketMask
		if r.stamps[idx] == 0 {
			break
		}

		if !haveLatest {
			latestStamp, latestCount = r.stamps[idx], r.counts[idx]
			haveLatest = true
		}

		if nowMs-r.stamps[idx] > windowMs {
			full = true
			break
		}

		earliestStamp, earliestCount = r.stamps[idx], r.counts[idx]
	}

	if !full || earliestStamp == 0 || latestStamp <= earliestStamp {
		return 0, false
	}

	hashes := float64(latestCount - earliestCount)
	seconds := float64(latestStamp-earliestStamp) / 1000
	return hashes / seconds, true
}

// Total sums the rates of all threads that have a full window
func (h *Hashrate) Total(window time.Duration) (float64, bool) {
	return h.totalAt(window, time.Now())
}

func (h *Hashrate) totalAt(window time.Duration, now time.Time) (float64, bool) {
	var (
		total float64
		found bool
	)
	for i := range h.threads {
		if rate, ok := h.calcAt(i, window, now); ok {
			total += rate
			found = true
		}
	}
	return total, found
}

// UpdateHighest folds the current short-window total into the peak
func (h *Hashrate) UpdateHighest() {
	rate, ok := h.Total(ShortInterval)
	if !ok {
		return
	}

	h.mu.Lock()
	if rate > h.highest {
		h.highest = rate
	}
	h.mu.Unlock()
}

// Highest returns the peak short-window total seen by UpdateHighest
func (h *Hashrate) Highest() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.highest
}

// Report is a point-in-time view of the aggregate rates
type Report struct {
	Short   float64
	Medium  float64
	Large   float64
	Highest float64
	Threads []float64
}

// Report collects the totals for every window and the per-thread short rates
func (h *Hashrate) Report() Report {
	now := time.Now()
	rep := Report{Threads: make([]float64, len(h.threads))}
	rep.Short, _ = h.totalAt(ShortInterval, now)
	rep.Medium, _ = h.totalAt(MediumInterval, now)
	rep.Large, _ = h.totalAt(LargeInterval, now)
	for i := range h.threads {
		rep.Threads[i], _ = h.calcAt(i, ShortInterval, now)
	}
	rep.Highest = h.Highest()
	return rep
}
