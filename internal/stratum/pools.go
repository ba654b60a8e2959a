// Package stratum implements the pool side of the miner: the line-delimited
// JSON-RPC protocol, its transport, and the client state machine that logs in,
// receives jobs, submits shares and reconnects.
package stratum

import "sync"

const readBufferSize = 4096

// readBufferPool reuses socket read buffers across connections
var readBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, readBufferSize)
		return &buf
	},
}

// getReadBuffer gets a read buffer from the pool
func getReadBuffer() *[]byte {
	return readBufferPool.Get().(*[]byte)
}

// putReadBuffer returns a read buffer to the pool
func putReadBuffer(buf *[]byte) {
	if buf != nil {
		readBufferPool.Put(buf)
	}
}
