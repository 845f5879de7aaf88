// Package integration verifies that the runners, the session driver and
// the publisher work together over real clocks and HTTP.
package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/deferflow/internal/canary"
	"github.com/vnykmshr/deferflow/internal/publish"
	"github.com/vnykmshr/deferflow/internal/testutil"
	"github.com/vnykmshr/deferflow/pkg/clock"
	"github.com/vnykmshr/deferflow/pkg/metrics"
	"github.com/vnykmshr/deferflow/pkg/session"
)

type stack struct {
	driver   *session.Driver
	registry *metrics.Registry
	gatherer *prometheus.Registry
	server   *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()

	gatherer := prometheus.NewRegistry()
	registry := metrics.NewRegistry(gatherer)

	clk := clock.NewReal(clock.RealConfig{HZ: 1000})
	driver, err := session.NewDriver(session.Config{
		Clock:      clk,
		Limit:      400,
		TimerTicks: 2,
		Metrics:    registry,
	})
	testutil.AssertNoError(t, err)

	pub := publish.New(driver, publish.Config{Gatherer: gatherer})
	testutil.AssertNoError(t, pub.PublishAll())

	s := &stack{
		driver:   driver,
		registry: registry,
		gatherer: gatherer,
		server:   httptest.NewServer(pub),
	}
	t.Cleanup(func() {
		s.server.Close()
		s.driver.Close()
	})
	return s
}

func (s *stack) read(t *testing.T, path string) string {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)
	return string(body)
}

// TestEveryEndpointProducesATrace reads each endpoint once and checks the
// trace shape a reader would see.
func TestEveryEndpointProducesATrace(t *testing.T) {
	s := newStack(t)

	for _, m := range session.Mechanisms() {
		t.Run(m.EndpointName(), func(t *testing.T) {
			text := s.read(t, "/"+m.EndpointName())
			testutil.AssertEqual(t, strings.HasPrefix(text, session.Header), true)

			_, lines := testutil.ParseSession(t, text)
			switch m {
			case session.OneShotTimer:
				testutil.AssertEqual(t, len(lines), 2)
				testutil.AssertEqual(t, lines[1].Name, "timer")
			default:
				testutil.AssertEqual(t, len(text) > 400, true)
			}

			var prev uint64
			for _, l := range lines {
				if l.Tick < prev {
					t.Fatalf("time went backwards: %d after %d", l.Tick, prev)
				}
				prev = l.Tick
			}
		})
	}

	for _, m := range session.Mechanisms() {
		got := promtestutil.ToFloat64(s.registry.SessionsTotal.WithLabelValues(m.String(), "completed"))
		testutil.AssertEqual(t, got, float64(1))
	}

	metricsText := s.read(t, "/metrics")
	testutil.AssertEqual(t, strings.Contains(metricsText, "deferflow_session_lines_emitted_total"), true)
}

// TestConcurrentReadersAreSerialized checks that concurrent reads of one
// endpoint each get a whole, independent trace.
func TestConcurrentReadersAreSerialized(t *testing.T) {
	s := newStack(t)

	const readers = 6
	var wg sync.WaitGroup
	texts := make([]string, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(s.server.URL + "/jiqtasklet")
			if err != nil {
				t.Errorf("reader %d: %v", i, err)
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			texts[i] = string(body)
		}(i)
	}
	wg.Wait()

	for i, text := range texts {
		if strings.Count(text, session.Header) != 1 {
			t.Fatalf("reader %d: expected exactly one header, got:\n%s", i, text)
		}
		_, lines := testutil.ParseSession(t, text)
		for _, l := range lines {
			if l.Name != lines[0].Name {
				t.Fatalf("reader %d: mixed executors %q and %q", i, lines[0].Name, l.Name)
			}
		}
	}
}

// TestAbandonedReadIsTornDown disconnects mid-session and checks that the
// driver serves the next reader normally.
func TestAbandonedReadIsTornDown(t *testing.T) {
	gatherer := prometheus.NewRegistry()
	registry := metrics.NewRegistry(gatherer)

	driver, err := session.NewDriver(session.Config{
		Clock:      clock.NewReal(clock.RealConfig{HZ: 100}),
		TimerTicks: 100 * 60,
		Metrics:    registry,
	})
	testutil.AssertNoError(t, err)
	defer driver.Close()

	pub := publish.New(driver, publish.Config{})
	testutil.AssertNoError(t, pub.Publish("slow", session.OneShotTimer))
	srv := httptest.NewServer(pub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/slow", nil)
	testutil.AssertNoError(t, err)
	_, err = http.DefaultClient.Do(req)
	testutil.AssertError(t, err)

	testutil.Eventually(t, func() bool {
		return promtestutil.ToFloat64(registry.SessionsTotal.WithLabelValues("timer", "interrupted")) == 1
	}, testutil.TestTimeout, 10*time.Millisecond)
	testutil.AssertEqual(t, promtestutil.ToFloat64(registry.TimerCancellations.WithLabelValues("timer")), float64(1))
}

// TestCanaryAgainstDriver runs a canary round over a real driver.
func TestCanaryAgainstDriver(t *testing.T) {
	s := newStack(t)

	p, err := canary.New(canary.Config{
		Schedule: "@every 1h",
		Runner:   s.driver,
		Timeout:  testutil.TestTimeout,
	})
	testutil.AssertNoError(t, err)
	defer func() { <-p.Stop().Done() }()

	summaries := p.Round(context.Background())
	testutil.AssertEqual(t, len(summaries), len(session.Mechanisms()))
	for _, sum := range summaries {
		if sum.Err != nil || sum.Interrupted || sum.Lines == 0 {
			t.Fatalf("unexpected summary %+v", sum)
		}
	}
}
