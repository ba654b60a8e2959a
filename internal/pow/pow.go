// Package pow provides the hash engines workers call once per batch.
package pow

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/bardlex/gominer/internal/job"
	"github.com/bardlex/gominer/pkg/errors"
)

// MaxHashFactor is the largest number of lanes a single Hash call computes.
const MaxHashFactor = 4

// Supported algorithm names
const (
	AlgoKeccak  = "keccak"
	AlgoSHA256d = "sha256d"
	AlgoBlake2b = "blake2b"
)

// AESMode selects between software and hardware AES code paths
type AESMode int

const (
	AESAuto AESMode = iota
	AESOn
	AESOff
)

// ParseAESMode maps auto, on/true/1 and off/false/0 to an AESMode
func ParseAESMode(s string) (AESMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return AESAuto, nil
	case "on", "true", "1":
		return AESOn, nil
	case "off", "false", "0":
		return AESOff, nil
	default:
		return AESAuto, errors.New(errors.ErrorTypeConfig, "parse_aes", "invalid AES mode").
			WithContext("value", s)
	}
}

func (m AESMode) String() string {
	switch m {
	case AESOn:
		return "on"
	case AESOff:
		return "off"
	default:
		return "auto"
	}
}

// Resolve reports whether hardware AES should be used for this mode
func (m AESMode) Resolve() bool {
	switch m {
	case AESOn:
		return true
	case AESOff:
		return false
	default:
		return cpuid.CPU.Supports(cpuid.AESNI)
	}
}

// Engine hashes F consecutive blobs of size bytes from input into out[0:F].
// ctx is per-thread scratch and must not be shared between goroutines.
type Engine interface {
	Name() string
	// FootprintKB is the cache each lane is expected to occupy, used for thread sizing.
	FootprintKB() int
	Hash(input []byte, size int, out []job.Digest, ctx *Context)
}

// per-lane cache footprints in KiB
const (
	footprintHeavy = 2048
	footprintLight = 1024
)

type factory func(hwAES bool) Engine

type descriptor struct {
	footprintKB int
	build       factory
}

var registry = map[string]descriptor{
	AlgoKeccak: {footprintKB: footprintHeavy, build: func(hwAES bool) Engine {
		return &keccakEngine{hwAES: hwAES}
	}},
	AlgoSHA256d: {footprintKB: footprintHeavy, build: func(hwAES bool) Engine {
		return &sha256dEngine{hwAES: hwAES}
	}},
	AlgoBlake2b: {footprintKB: footprintLight, build: func(hwAES bool) Engine {
		return &blake2bEngine{hwAES: hwAES}
	}},
}

// Algorithms returns the supported algorithm names
func Algorithms() []string {
	return []string{AlgoKeccak, AlgoSHA256d, AlgoBlake2b}
}

// FootprintKB returns the per-lane cache footprint of algo, or 0 if unknown
func FootprintKB(algo string) int {
	return registry[strings.ToLower(algo)].footprintKB
}

// Select picks the engine for algo, resolving the AES mode once
func Select(algo string, mode AESMode) (Engine, error) {
	d, ok := registry[strings.ToLower(algo)]
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "select_engine", "unsupported algorithm").
			WithContext("algo", algo)
	}
	return d.build(mode.Resolve()), nil
}

func engineName(algo string, hwAES bool) string {
	if hwAES {
		return fmt.Sprintf("%s/aes", algo)
	}
	return fmt.Sprintf("%s/soft", algo)
}

// checkLanes panics when the caller's buffers do not match the lane count;
// a mismatch is a programming error in the worker, never a runtime condition.
func checkLanes(input []byte, size int, out []job.Digest) {
	if len(out) == 0 || len(out) > MaxHashFactor || len(input) < size*len(out) {
		panic(fmt.Sprintf("pow: %d lanes over %d input bytes with blob size %d", len(out), len(input), size))
	}
}
