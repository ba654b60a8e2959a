package pow

import (
	"hash"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/bardlex/gominer/internal/job"
)

// Context is per-thread hashing scratch
type Context struct {
	keccak hash.Hash
	sum    []byte
}

// NewContext allocates scratch for one worker thread
func NewContext() *Context {
	return &Context{
		keccak: sha3.NewLegacyKeccak256(),
		sum:    make([]byte, 0, job.DigestSize),
	}
}

type keccakEngine struct {
	hwAES bool
}

func (e *keccakEngine) Name() string { return engineName(AlgoKeccak, e.hwAES) }
func (e *keccakEngine) FootprintKB() int { return footprintHeavy }

func (e *keccakEngine) Hash(input []byte, size int, out []job.Digest, ctx *Context) {
	checkLanes(input, size, out)
	for i := range out {
		ctx.keccak.Reset()
		ctx.keccak.Write(input[i*size : (i+1)*size])
		ctx.sum = ctx.keccak.Sum(ctx.sum[:0])
		copy(out[i][:], ctx.sum)
	}
}

type sha256dEngine struct {
	hwAES bool
}

func (e *sha256dEngine) Name() string { return engineName(AlgoSHA256d, e.hwAES) }
func (e *sha256dEngine) FootprintKB() int { return footprintHeavy }

func (e *sha256dEngine) Hash(input []byte, size int, out []job.Digest, _ *Context) {
	checkLanes(input, size, out)
	for i := range out {
		out[i] = job.Digest(chainhash.DoubleHashH(input[i*size : (i+1)*size]))
	}
}

type blake2bEngine struct {
	hwAES bool
}

func (e *blake2bEngine) Name() string { return engineName(AlgoBlake2b, e.hwAES) }
func (e *blake2bEngine) FootprintKB() int { return footprintLight }

func (e *blake2bEngine) Hash(input []byte, size int, out []job.Digest, _ *Context) {
	checkLanes(input, size, out)
	for i := range out {
		out[i] = blake2b.Sum256(input[i*size : (i+1)*size])
	}
}
