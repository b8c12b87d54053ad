package kfmt

import "io"

// ringBufferSize defines the capacity of the early boot output buffer. It is
// sized to hold roughly one 80x25 text-mode screen worth of output and must
// be a power of 2.
const ringBufferSize = 2048

// ringBuffer buffers Printf output until an output sink is registered. Once
// the buffer fills up, each new byte overwrites the oldest buffered byte so
// the most recent output always survives.
type ringBuffer struct {
	data  [ringBufferSize]byte
	head  int // index of the oldest buffered byte
	count int // number of buffered bytes
}

// Write appends the contents of p to the buffer, evicting the oldest bytes
// once the buffer is full. It always reports len(p) bytes written.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[(rb.head+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		} else {
			rb.count++
		}
	}

	return len(p), nil
}

// Read copies up to len(p) buffered bytes into p, oldest first, and removes
// them from the buffer. It returns io.EOF when the buffer is empty. A read
// that reaches the wrap point stops there; the next call picks up the rest.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := rb.count
	if len(p) < n {
		n = len(p)
	}
	if tail := ringBufferSize - rb.head; n > tail {
		n = tail
	}

	copy(p, rb.data[rb.head:rb.head+n])
	rb.head = (rb.head + n) & (ringBufferSize - 1)
	rb.count -= n

	return n, nil
}
