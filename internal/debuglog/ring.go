// Package debuglog keeps the most recent log output in memory so operators
// can read it back through the DEBUG_LOG command.
package debuglog

import (
	"strings"
	"sync"
)

const defaultSize = 16 * 1024

// Ring is a fixed-size byte buffer that overwrites its oldest data when full.
type Ring struct {
	mu   sync.RWMutex
	buf  []byte
	size int
	head int // write position
	full bool
}

// NewRing creates a ring holding at most size bytes.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultSize
	}
	return &Ring{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. It never fails.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if n >= r.size {
		copy(r.buf, p[n-r.size:])
		r.head = 0
		r.full = true
		return n, nil
	}

	written := copy(r.buf[r.head:], p)
	if written < n {
		copy(r.buf, p[written:])
		r.full = true
	}
	next := (r.head + n) % r.size
	if !r.full && next <= r.head {
		r.full = true
	}
	r.head = next
	return n, nil
}

// Bytes returns the buffered data, oldest first.
func (r *Ring) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]byte, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.head:])
	copy(out[n:], r.buf[:r.head])
	return out
}

// Tail returns up to the last max bytes. When older output was cut off, the
// partial first line is dropped.
func (r *Ring) Tail(max int) string {
	r.mu.RLock()
	wrapped := r.full
	r.mu.RUnlock()

	data := r.Bytes()
	cut := wrapped
	if max > 0 && len(data) > max {
		data = data[len(data)-max:]
		cut = true
	}
	s := string(data)
	if cut {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	return s
}
