package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that captures Printf
// output before a console sink is registered. It must be a power of 2.
const ringBufferSize = 2048

// ringBuffer buffers the output of Printf until the console subsystem is
// initialized and registers itself as the output sink. Once the buffer wraps
// the oldest data is overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
	used           int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.used < ringBufferSize {
			rb.used++
		} else {
			rb.rIndex = rb.wIndex
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read
// and io.EOF once the buffer has been fully drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.used == 0 {
		return 0, io.EOF
	}

	var n int
	for ; n < len(p) && rb.used > 0; n++ {
		p[n] = rb.buffer[rb.rIndex]
		rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		rb.used--
	}

	return n, nil
}
