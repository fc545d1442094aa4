package pcm

import "sync"

// RingBuffer is a bounded FIFO of audio bytes. Writes beyond capacity drop
// the oldest data.
type RingBuffer struct {
	mu     sync.Mutex
	data   []byte
	size   int
	start  int
	filled int
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{data: make([]byte, size), size: size}
}

func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= r.size {
		copy(r.data, p[len(p)-r.size:])
		r.start = 0
		r.filled = r.size
		return len(p), nil
	}
	for _, b := range p {
		end := (r.start + r.filled) % r.size
		r.data[end] = b
		if r.filled < r.size {
			r.filled++
		} else {
			r.start = (r.start + 1) % r.size
		}
	}
	return len(p), nil
}

// Read drains up to len(p) bytes. It never blocks and returns 0 when empty.
func (r *RingBuffer) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for n < len(p) && r.filled > 0 {
		p[n] = r.data[r.start]
		r.start = (r.start + 1) % r.size
		r.filled--
		n++
	}
	return n, nil
}

func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}

func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.filled = 0
}
