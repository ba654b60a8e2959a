package job

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// DigestSize is the length of a proof-of-work digest.
const DigestSize = 32

// Digest is the output of one hash lane.
type Digest [DigestSize]byte

// Tail returns the digest's trailing 8 bytes read as a little-endian integer,
// which is what a share is measured by.
func (d *Digest) Tail() uint64 {
	return binary.LittleEndian.Uint64(d[DigestSize-8:])
}

// Qualifies reports whether the digest is a share for target.
func (d *Digest) Qualifies(target uint64) bool {
	return d.Tail() < target
}

// Result is a qualifying nonce found by a worker.
type Result struct {
	PoolID     int
	JobID      string
	Nonce      uint32
	Digest     Digest
	Difficulty uint64
}

// NewResult builds a share for j.
func NewResult(j *Job, nonce uint32, digest *Digest) Result {
	return Result{
		PoolID:     j.PoolID,
		JobID:      j.ID,
		Nonce:      nonce,
		Digest:     *digest,
		Difficulty: j.Difficulty,
	}
}

// ActualDifficulty is the difficulty the digest actually reached.
func (r *Result) ActualDifficulty() uint64 {
	tail := r.Digest.Tail()
	if tail == 0 {
		return math.MaxUint64
	}
	return math.MaxUint64 / tail
}

// NonceHex encodes the nonce the way the pool expects it: 8 hex chars of the
// little-endian bytes.
func (r *Result) NonceHex() string {
	var b [NonceSize]byte
	binary.LittleEndian.PutUint32(b[:], r.Nonce)
	return hex.EncodeToString(b[:])
}

// DigestHex encodes the full digest as 64 hex chars.
func (r *Result) DigestHex() string {
	return hex.EncodeToString(r.Digest[:])
}

func (r Result) String() string {
	return fmt.Sprintf("job=%s nonce=%s diff=%d", r.JobID, r.NonceHex(), r.Difficulty)
}
