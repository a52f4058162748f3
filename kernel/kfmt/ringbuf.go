package kfmt

import (
	"io"
	"sync"
)

// ringBufferSize defines the size of the ring buffer that captures log output
// emitted before a sink is attached. The ring buffer size must always be a
// power of 2.
const ringBufferSize = 16384

// ringBuffer captures encoded log entries until SetOutputSink or FlushEarly
// drains them. Once full, the oldest bytes are overwritten. It implements
// zapcore.WriteSyncer and is safe for concurrent use.
type ringBuffer struct {
	mu             sync.Mutex
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once the buffer has
// been drained.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		// Data wraps around; read up to the end of the backing array
		// first and pick up the rest on the next call.
		end = len(rb.buffer)
	}

	n = copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}

// Sync implements zapcore.WriteSyncer. The buffer lives in memory so there is
// nothing to flush.
func (rb *ringBuffer) Sync() error {
	return nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}
