package worker

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/internal/pow"
	"github.com/bardlex/gominer/internal/scheduler"
)

// fakeSource is a scripted scheduler. Each IsOutdated call spends one unit
// of budget; when it runs out the current sequence reads as outdated.
type fakeSource struct {
	mu        sync.Mutex
	job       *job.Job
	seq       uint64
	budget    int
	submitted []job.Result
}

func (s *fakeSource) publish(j *job.Job, budget int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = j
	s.seq++
	s.budget = budget
}

func (s *fakeSource) Snapshot() (*job.Job, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job, s.seq
}

func (s *fakeSource) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *fakeSource) IsPaused() bool {
	return s.Sequence() == 0
}

func (s *fakeSource) IsOutdated(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budget <= 0 {
		return true
	}
	s.budget--
	return seq != s.seq
}

func (s *fakeSource) Submit(r job.Result, _ int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, r)
	return true
}

func (s *fakeSource) nonces() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.submitted))
	for i, r := range s.submitted {
		out[i] = r.Nonce
	}
	return out
}

func makeJob(poolID int, id string, fill byte, blobNonce uint32, nicehash bool) *job.Job {
	blob := make([]byte, job.MinBlobSize)
	for i := range blob {
		blob[i] = fill
	}
	job.PutNonce(blob, blobNonce)
	return &job.Job{
		PoolID:     poolID,
		ID:         id,
		Blob:       blob,
		Target:     math.MaxUint64,
		Difficulty: 1,
		Nicehash:   nicehash,
	}
}

func newTestWorker(t *testing.T, src Source, threads, factor, id int) *Worker {
	t.Helper()
	engine, err := pow.Select(pow.AlgoKeccak, pow.AESOff)
	require.NoError(t, err)
	return New(Config{ID: id, Threads: threads, Factor: factor, Engine: engine, Source: src})
}

// step consumes the current job and mines for the source's remaining budget
func step(w *Worker) {
	if w.consumeJob() {
		w.mine(context.Background())
	}
}

func TestWorker_MinesAndSubmits(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 2, 1, 1)

	j := makeJob(0, "a", 7, 0, false)
	src.publish(j, 5)
	step(w)

	start := NonceStart(2, 1, 1, 0, false, 0)
	assert.Equal(t, []uint32{start, start + 1, start + 2, start + 3, start + 4}, src.nonces())
	assert.Equal(t, start+5, w.state.Nonces[0], "lane holds the next untested nonce")
	assert.Equal(t, uint64(5), w.Hashes())

	// the submitted digest is the hash of the blob with that nonce in place
	res := src.submitted[0]
	assert.Equal(t, "a", res.JobID)
	assert.Equal(t, 0, res.PoolID)

	blob := append([]byte(nil), j.Blob...)
	job.PutNonce(blob, res.Nonce)
	engine, _ := pow.Select(pow.AlgoKeccak, pow.AESOff)
	want := make([]job.Digest, 1)
	engine.Hash(blob, len(blob), want, pow.NewContext())
	assert.Equal(t, want[0], res.Digest)
}

func TestWorker_DoesNotMutatePublishedJob(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 1, 2, 0)

	j := makeJob(0, "a", 1, 0x11223344, false)
	original := append([]byte(nil), j.Blob...)
	src.publish(j, 3)
	step(w)

	assert.Equal(t, original, j.Blob)
}

func TestWorker_OnlyQualifyingLanesSubmit(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 1, 4, 0)

	j := makeJob(0, "a", 3, 0, false)
	j.Target = 1 // practically nothing qualifies
	src.publish(j, 10)
	step(w)

	assert.Empty(t, src.submitted)
	assert.Equal(t, uint64(40), w.Hashes())
}

func TestWorker_LanesAreIndependent(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 2, 3, 0)

	src.publish(makeJob(0, "a", 9, 0, false), 2)
	step(w)

	seen := make(map[uint32]bool)
	for _, n := range src.nonces() {
		assert.False(t, seen[n], "nonce %#x submitted twice", n)
		seen[n] = true
	}
	for lane := 0; lane < 3; lane++ {
		start := NonceStart(2, 3, 0, lane, false, 0)
		assert.True(t, seen[start], "lane %d start %#x", lane, start)
		assert.True(t, seen[start+1], "lane %d second nonce", lane)
		assert.Equal(t, start+2, w.state.Nonces[lane])
	}
}

func TestWorker_Nicehash(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 4, 2, 3)

	src.publish(makeJob(0, "n", 0, 0xab000000, true), 4)
	step(w)

	require.NotEmpty(t, src.submitted)
	for _, n := range src.nonces() {
		assert.Equal(t, uint32(0xab), n>>24, "nonce %#x lost the pool's top byte", n)
	}
}

func TestWorker_SameJobKeepsProgress(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 1, 1, 0)

	src.publish(makeJob(0, "a", 1, 0, false), 3)
	step(w)
	require.Equal(t, uint32(3), w.state.Nonces[0])

	// an equal job under a new sequence does not repartition
	src.publish(makeJob(0, "a", 1, 0, false), 2)
	step(w)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, src.nonces())
}

func TestWorker_ResumeAfterDonation(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 2, 1, 0)

	user := makeJob(0, "user", 1, 0, false)
	src.publish(user, 4)
	step(w)
	require.Equal(t, uint32(4), w.state.Nonces[0])

	donate := makeJob(job.DonatePoolID, "donate", 2, 0, false)
	src.publish(donate, 3)
	step(w)
	assert.Equal(t, "donate", w.state.Job.ID)
	assert.Equal(t, job.DonatePoolID, w.state.Job.PoolID)
	assert.Equal(t, uint32(4), w.paused.Nonces[0], "user progress saved")

	src.publish(user.Clone(), 3)
	step(w)
	assert.Equal(t, "user", w.state.Job.ID)
	assert.Equal(t, uint32(7), w.state.Nonces[0], "resumed from the saved lane")

	var userNonces []uint32
	for _, r := range src.submitted {
		if r.JobID == "user" {
			userNonces = append(userNonces, r.Nonce)
		}
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6}, userNonces, "no nonce is tested twice across the diversion")
}

func TestWorker_NoResumeForDifferentJob(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 2, 1, 1)

	src.publish(makeJob(0, "old", 1, 0, false), 4)
	step(w)
	src.publish(makeJob(job.DonatePoolID, "donate", 2, 0, false), 1)
	step(w)

	src.publish(makeJob(0, "new", 3, 0, false), 1)
	step(w)

	assert.Equal(t, "new", w.state.Job.ID)
	assert.Equal(t, NonceStart(2, 1, 1, 0, false, 0)+1, w.state.Nonces[0], "a new job starts from its partition")
}

func TestWorker_DonationWithoutPriorJob(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 1, 1, 0)

	src.publish(makeJob(job.DonatePoolID, "donate", 2, 0, false), 1)
	step(w)
	assert.Nil(t, w.paused.Job, "nothing to save before the first user job")

	src.publish(makeJob(0, "user", 1, 0, false), 1)
	step(w)
	assert.Equal(t, uint32(1), w.state.Nonces[0])
}

func TestWorker_InvalidJobIgnored(t *testing.T) {
	src := &fakeSource{}
	w := newTestWorker(t, src, 1, 1, 0)

	src.publish(&job.Job{ID: "short", Blob: []byte{1, 2, 3}, Target: 1}, 1)
	assert.False(t, w.consumeJob())
}

func TestWorker_RunStopsWhilePaused(t *testing.T) {
	src := &fakeSource{}
	engine, err := pow.Select(pow.AlgoKeccak, pow.AESOff)
	require.NoError(t, err)
	w := New(Config{Engine: engine, Source: src, PauseInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Zero(t, w.Hashes())
}

type resultSink struct {
	mu      sync.Mutex
	results []job.Result
}

func (s *resultSink) Route(r job.Result, _ int) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *resultSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func TestPool_MinesWithScheduler(t *testing.T) {
	sched := scheduler.New(scheduler.Config{QueueSize: 4096})
	sink := &resultSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, sink)
	defer sched.Stop()

	engine, err := pow.Select(pow.AlgoBlake2b, pow.AESOff)
	require.NoError(t, err)

	hashrate := scheduler.NewHashrate(2)
	pool, err := NewPool(PoolConfig{
		Threads:       2,
		Factor:        2,
		Engine:        engine,
		Source:        sched,
		Recorder:      hashrate,
		PauseInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Threads())

	pool.Start(ctx)
	sched.Publish(makeJob(0, "a", 5, 0, false))

	require.Eventually(t, func() bool { return sink.len() >= 50 }, 5*time.Second, 10*time.Millisecond)

	sched.Pause()
	cancel()
	pool.Wait()

	assert.Greater(t, pool.Hashes(), uint64(0))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	seen := make(map[uint32]bool)
	for _, r := range sink.results {
		assert.Equal(t, "a", r.JobID)
		assert.False(t, seen[r.Nonce], "nonce %#x found twice", r.Nonce)
		seen[r.Nonce] = true
	}
}

func TestNewPool_Validates(t *testing.T) {
	engine, err := pow.Select(pow.AlgoKeccak, pow.AESOff)
	require.NoError(t, err)
	src := &fakeSource{}

	_, err = NewPool(PoolConfig{Threads: 0, Factor: 1, Engine: engine, Source: src})
	assert.Error(t, err)
	_, err = NewPool(PoolConfig{Threads: 1, Factor: pow.MaxHashFactor + 1, Engine: engine, Source: src})
	assert.Error(t, err)
	_, err = NewPool(PoolConfig{Threads: 1, Factor: 1, Source: src})
	assert.Error(t, err)
}
