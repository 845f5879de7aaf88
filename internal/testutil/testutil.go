package testutil

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"
)

// TestTimeout is the default timeout for tests
const TestTimeout = 5 * time.Second

// WithTimeout creates a context with the default test timeout
func WithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), TestTimeout)
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// AssertNotEqual fails the test if got == want
func AssertNotEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got == want {
		t.Fatalf("got %v, want anything else", got)
	}
}

// Eventually polls cond every interval until it holds or timeout elapses.
func Eventually(t *testing.T, cond func() bool, timeout, interval time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}

// Line is one parsed data line of session output.
type Line struct {
	Tick  uint64
	Delta int64
	Depth int
	ID    int
	CPU   int
	Name  string
}

// ParseSession splits session output into its header and data lines.
// It fails the test on any malformed data line.
func ParseSession(t *testing.T, text string) (header string, lines []Line) {
	t.Helper()
	rows := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(rows) == 0 || rows[0] == "" {
		return "", nil
	}
	header = rows[0]
	for _, row := range rows[1:] {
		f := strings.Fields(row)
		if len(f) < 6 {
			t.Fatalf("malformed line %q", row)
		}
		var l Line
		var err error
		if l.Tick, err = strconv.ParseUint(f[0], 10, 64); err != nil {
			t.Fatalf("bad tick in %q: %v", row, err)
		}
		if l.Delta, err = strconv.ParseInt(f[1], 10, 64); err != nil {
			t.Fatalf("bad delta in %q: %v", row, err)
		}
		if l.Depth, err = strconv.Atoi(f[2]); err != nil {
			t.Fatalf("bad depth in %q: %v", row, err)
		}
		if l.ID, err = strconv.Atoi(f[3]); err != nil {
			t.Fatalf("bad id in %q: %v", row, err)
		}
		if l.CPU, err = strconv.Atoi(f[4]); err != nil {
			t.Fatalf("bad cpu in %q: %v", row, err)
		}
		l.Name = strings.Join(f[5:], " ")
		lines = append(lines, l)
	}
	return header, lines
}
