package testutil

import (
	"bytes"
	"strings"
	"sync"
)

// MockWriter is an io.Writer safe for concurrent use. It captures log and
// session output and can fail writes on demand.
type MockWriter struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	writeCount int
	errorOnNth int
	err        error
}

// NewMockWriter creates a new MockWriter.
func NewMockWriter() *MockWriter {
	return &MockWriter{}
}

// Write implements io.Writer.
func (mw *MockWriter) Write(p []byte) (int, error) {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	mw.writeCount++
	if mw.err != nil && (mw.errorOnNth == 0 || mw.writeCount == mw.errorOnNth) {
		return 0, mw.err
	}
	return mw.buf.Write(p)
}

// String returns everything written so far.
func (mw *MockWriter) String() string {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.buf.String()
}

// Len returns the number of bytes written so far.
func (mw *MockWriter) Len() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.buf.Len()
}

// WriteCount returns the number of Write calls, failed ones included.
func (mw *MockWriter) WriteCount() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.writeCount
}

// Lines returns the written text split on newlines, without a trailing
// empty element.
func (mw *MockWriter) Lines() []string {
	s := strings.TrimSuffix(mw.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// SetErrorOnNth makes only the nth write fail with err.
func (mw *MockWriter) SetErrorOnNth(n int, err error) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.errorOnNth = n
	mw.err = err
}

// SetAlwaysError makes every write fail with err.
func (mw *MockWriter) SetAlwaysError(err error) {
	mw.SetErrorOnNth(0, err)
}

// Reset clears the buffer, the counter and any configured error.
func (mw *MockWriter) Reset() {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.buf.Reset()
	mw.writeCount = 0
	mw.errorOnNth = 0
	mw.err = nil
}
