package entropy

import (
	"fmt"
	"sync"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// BufferedSource serves externally supplied material: operator-provided
// randomness, captured sensor data, or deterministic bytes in tests. It
// drains strictly in FIFO order and reports ErrSourceExhausted once empty.
type BufferedSource struct {
	mu       sync.Mutex
	name     string
	estimate float64
	buf      []byte
}

// NewBufferedSource creates an empty buffered source. The estimate is the
// claimed min-entropy per byte of whatever the caller feeds in; external
// material defaults to a conservative 2.0.
func NewBufferedSource(name string, estimate float64) *BufferedSource {
	return &BufferedSource{name: name, estimate: estimate}
}

func (s *BufferedSource) Name() string { return s.name }

func (s *BufferedSource) EntropyEstimate() float64 { return s.estimate }

// Add appends material to the buffer.
func (s *BufferedSource) Add(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, data...)
}

// Buffered returns the number of bytes currently available.
func (s *BufferedSource) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *BufferedSource) Fill(dest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) < len(dest) {
		return fmt.Errorf("%w: have %d bytes, need %d", interfaces.ErrSourceExhausted, len(s.buf), len(dest))
	}
	copy(dest, s.buf[:len(dest)])
	s.buf = s.buf[len(dest):]
	return nil
}
