package session

import (
	"fmt"
	"strings"
)

// Mechanism selects the deferred execution primitive a session exercises.
type Mechanism int

const (
	// ImmediateWork resubmits to the worker pool after every line.
	ImmediateWork Mechanism = iota
	// DelayedWork resubmits through the scheduler after a delay.
	DelayedWork
	// Tasklet reschedules on the soft interrupt executor.
	Tasklet
	// OneShotTimer emits a priming line and one line on expiry.
	OneShotTimer
)

var mechanismNames = [...]struct {
	name     string
	endpoint string
}{
	ImmediateWork: {"immediate-work", "jiqwq"},
	DelayedWork:   {"delayed-work", "jiqwqdelay"},
	Tasklet:       {"tasklet", "jiqtasklet"},
	OneShotTimer:  {"timer", "jiqruntimer"},
}

// Mechanisms lists every mechanism in endpoint order.
func Mechanisms() []Mechanism {
	return []Mechanism{ImmediateWork, DelayedWork, Tasklet, OneShotTimer}
}

func (m Mechanism) valid() bool {
	return m >= ImmediateWork && m <= OneShotTimer
}

func (m Mechanism) String() string {
	if !m.valid() {
		return fmt.Sprintf("Mechanism(%d)", int(m))
	}
	return mechanismNames[m].name
}

// EndpointName returns the default published endpoint name.
func (m Mechanism) EndpointName() string {
	if !m.valid() {
		return ""
	}
	return mechanismNames[m].endpoint
}

// ParseMechanism accepts a mechanism name or endpoint name.
func ParseMechanism(s string) (Mechanism, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range Mechanisms() {
		if s == m.String() || s == m.EndpointName() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mechanism %q", s)
}
