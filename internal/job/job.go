// Package job defines the unit of proof-of-work handed out by a pool and the
// share produced when a nonce qualifies against it.
package job

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/bardlex/gominer/pkg/errors"
)

const (
	// MinBlobSize and MaxBlobSize bound the decoded hashing blob. MaxBlobSize is exclusive.
	MinBlobSize = 76
	MaxBlobSize = 84

	// NonceOffset is the position of the 32-bit little-endian nonce inside the blob.
	NonceOffset = 39
	// NonceSize is the width of the nonce field in bytes.
	NonceSize = 4

	// DonatePoolID marks placeholder jobs that temporarily replace the user's job.
	DonatePoolID = -1

	// MaxIDLength caps job and session ids accepted from the pool.
	MaxIDLength = 64
)

// Job is an immutable proof-of-work assignment. Values are copied into workers;
// callers must not mutate Blob after the job has been published.
type Job struct {
	PoolID     int
	ID         string
	Blob       []byte
	Target     uint64
	Difficulty uint64
	Nicehash   bool
}

// Parse builds a job from the fields of a pool job object. forceNicehash comes
// from the pool URL; nicehash mode is also switched on when the pool hands out a
// blob with a non-zero nonce.
func Parse(poolID int, id, blobHex, targetHex string, forceNicehash bool) (*Job, error) {
	if id == "" || len(id) >= MaxIDLength {
		return nil, errors.New(errors.ErrorTypeParse, "parse_job", "invalid job id").
			WithContext("job_id", id)
	}

	blob, err := DecodeBlob(blobHex)
	if err != nil {
		return nil, err
	}

	target, err := DecodeTarget(targetHex)
	if err != nil {
		return nil, err
	}

	j := &Job{
		PoolID:     poolID,
		ID:         id,
		Blob:       blob,
		Target:     target,
		Difficulty: DifficultyFromTarget(target),
		Nicehash:   forceNicehash,
	}
	if !j.Nicehash && j.Nonce() != 0 {
		j.Nicehash = true
	}

	return j, nil
}

// DecodeBlob decodes a hex hashing blob and checks its size.
func DecodeBlob(blobHex string) ([]byte, error) {
	if len(blobHex)%2 != 0 {
		return nil, errors.New(errors.ErrorTypeParse, "parse_blob", "odd length blob")
	}

	size := len(blobHex) / 2
	if size < MinBlobSize || size >= MaxBlobSize {
		return nil, errors.New(errors.ErrorTypeParse, "parse_blob", "blob size out of range").
			WithContext("size", size)
	}

	blob, err := hex.DecodeString(blobHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "parse_blob", "invalid hex")
	}
	return blob, nil
}

// DecodeTarget accepts either the 4-byte compact form (8 hex chars) or the full
// 8-byte little-endian form (16 hex chars) and returns the 64-bit target.
func DecodeTarget(targetHex string) (uint64, error) {
	raw, err := hex.DecodeString(targetHex)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeParse, "parse_target", "invalid hex")
	}

	var target uint64
	switch len(raw) {
	case 4:
		compact := uint64(binary.LittleEndian.Uint32(raw))
		if compact == 0 {
			return 0, errors.New(errors.ErrorTypeParse, "parse_target", "zero target")
		}
		target = math.MaxUint64 / (math.MaxUint32 / compact)
	case 8:
		target = binary.LittleEndian.Uint64(raw)
	default:
		return 0, errors.New(errors.ErrorTypeParse, "parse_target", "unsupported target length").
			WithContext("length", len(targetHex))
	}

	if target == 0 {
		return 0, errors.New(errors.ErrorTypeParse, "parse_target", "zero target")
	}
	return target, nil
}

// DifficultyFromTarget converts a 64-bit target into pool difficulty.
func DifficultyFromTarget(target uint64) uint64 {
	if target == 0 {
		return 0
	}
	return math.MaxUint64 / target
}

// Size returns the blob length in bytes.
func (j *Job) Size() int {
	return len(j.Blob)
}

// Nonce returns the nonce currently stored in the blob.
func (j *Job) Nonce() uint32 {
	if len(j.Blob) < NonceOffset+NonceSize {
		return 0
	}
	return binary.LittleEndian.Uint32(j.Blob[NonceOffset:])
}

// IsValid reports whether the job can be mined.
func (j *Job) IsValid() bool {
	return j != nil && j.ID != "" && len(j.Blob) >= MinBlobSize && j.Target != 0
}

// Equal is structural equality on (ID, Blob, Target). A nil job only equals nil.
func (j *Job) Equal(other *Job) bool {
	if j == nil || other == nil {
		return j == other
	}
	return j.ID == other.ID && j.Target == other.Target && bytes.Equal(j.Blob, other.Blob)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Blob = bytes.Clone(j.Blob)
	return &c
}

// WithPoolID returns a copy of the job attributed to another pool id.
func (j *Job) WithPoolID(poolID int) *Job {
	c := j.Clone()
	c.PoolID = poolID
	return c
}

// PutNonce writes nonce into the nonce field of blob.
func PutNonce(blob []byte, nonce uint32) {
	binary.LittleEndian.PutUint32(blob[NonceOffset:NonceOffset+NonceSize], nonce)
}
