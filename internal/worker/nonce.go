package worker

import "math"

const nicehashMask = 0xff000000

// slices is the number of equal nonce ranges a job is split into
func slices(threads, factor int) uint64 {
	return uint64(max(threads, 1)) * uint64(max(factor, 1))
}

// sliceIndex orders ranges thread-major within each lane, so lane 0 of every
// thread comes before lane 1 of any thread.
func sliceIndex(threads, id, lane int) uint64 {
	return uint64(id) + uint64(lane)*uint64(max(threads, 1))
}

// NonceStart returns the first nonce lane of thread id searches. In nicehash
// mode the top byte belongs to the pool and is kept from blobNonce; only the
// low 24 bits are partitioned.
func NonceStart(threads, factor, id, lane int, nicehash bool, blobNonce uint32) uint32 {
	n := slices(threads, factor)
	idx := sliceIndex(threads, id, lane)

	if nicehash {
		return (blobNonce & nicehashMask) + uint32(0xffffff/n*idx)
	}
	return uint32(math.MaxUint32 / n * idx)
}

// NonceRange returns the half-open range [start, end) owned by a lane. The
// last slice absorbs the remainder of the integer division, so the ranges
// of all lanes cover the space exactly.
func NonceRange(threads, factor, id, lane int, nicehash bool) (start, end uint64) {
	n := slices(threads, factor)
	idx := sliceIndex(threads, id, lane)

	space := uint64(math.MaxUint32) + 1
	step := uint64(math.MaxUint32) / n
	if nicehash {
		space = 1 << 24
		step = 0xffffff / n
	}

	start = step * idx
	end = start + step
	if idx == n-1 {
		end = space
	}
	return start, end
}
