package session

import (
	"bytes"
	"os"
	"sync"
)

// DefaultLimit is the sink threshold used when none is configured: one page
// less 128 bytes of headroom for the line that crosses it.
var DefaultLimit = os.Getpagesize() - 128

// Sink is an append-only text buffer with a fill threshold. Appends are
// never refused; the emitter stops once Full reports true.
type Sink struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

// NewSink creates a sink with the given threshold in bytes.
func NewSink(limit int) *Sink {
	return &Sink{limit: limit}
}

// Write appends p.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Len returns the number of bytes held.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Limit returns the threshold.
func (s *Sink) Limit() int {
	return s.limit
}

// Full reports whether the content has grown past the threshold.
func (s *Sink) Full() bool {
	return s.Len() > s.limit
}

// String returns a copy of the content.
func (s *Sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
