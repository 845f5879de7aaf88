// Package publish exposes session mechanisms as HTTP endpoints. Each GET
// on an endpoint runs one session and returns its text; a client that
// disconnects interrupts the session.
package publish

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
	"github.com/vnykmshr/deferflow/pkg/session"
)

// Runner runs one session. *session.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, m session.Mechanism) (session.Result, error)
}

// Config configures a Publisher.
type Config struct {
	// MetricsPath serves Gatherer when both are set. Default: "/metrics".
	MetricsPath string

	// Gatherer backs the metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer

	// Logger receives one event per request. Default: disabled.
	Logger *zerolog.Logger
}

// Publisher routes endpoint names to mechanisms.
type Publisher struct {
	runner      Runner
	metricsPath string
	metrics     http.Handler
	logger      zerolog.Logger

	mu        sync.RWMutex
	endpoints map[string]session.Mechanism
}

// New creates a Publisher with no endpoints.
func New(runner Runner, cfg Config) *Publisher {
	p := &Publisher{
		runner:      runner,
		metricsPath: cfg.MetricsPath,
		logger:      zerolog.Nop(),
		endpoints:   make(map[string]session.Mechanism),
	}
	if p.metricsPath == "" {
		p.metricsPath = "/metrics"
	}
	if cfg.Gatherer != nil {
		p.metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	if cfg.Logger != nil {
		p.logger = cfg.Logger.With().Str("component", "publish").Logger()
	}
	return p
}

// Publish registers name as the endpoint for m. Empty names, names that
// collide with an existing endpoint or with the metrics path are rejected.
func (p *Publisher) Publish(name string, m session.Mechanism) error {
	name = strings.Trim(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("cannot publish %q: %w", name, gferrors.ErrResourceUnavailable)
	}
	if "/"+name == p.metricsPath {
		return fmt.Errorf("cannot publish %q: name is the metrics path: %w", name, gferrors.ErrResourceUnavailable)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.endpoints[name]; exists {
		return fmt.Errorf("cannot publish %q: endpoint exists: %w", name, gferrors.ErrResourceUnavailable)
	}
	p.endpoints[name] = m
	p.logger.Debug().Str("endpoint", name).Stringer("mechanism", m).Msg("endpoint published")
	return nil
}

// PublishAll registers every mechanism under its default endpoint name.
// Endpoints registered before the failure stay published.
func (p *Publisher) PublishAll() error {
	for _, m := range session.Mechanisms() {
		if err := p.Publish(m.EndpointName(), m); err != nil {
			return err
		}
	}
	return nil
}

// Unpublish removes an endpoint. It reports whether name was published.
func (p *Publisher) Unpublish(name string) bool {
	name = strings.Trim(name, "/")

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.endpoints[name]; !exists {
		return false
	}
	delete(p.endpoints, name)
	return true
}

// Endpoints lists published names in order.
func (p *Publisher) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.endpoints))
	for name := range p.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Publisher) lookup(name string) (session.Mechanism, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.endpoints[name]
	return m, ok
}

// ServeHTTP implements http.Handler.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.metrics != nil && r.URL.Path == p.metricsPath {
		p.metrics.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/" {
		p.serveIndex(w, r)
		return
	}

	m, ok := p.lookup(strings.Trim(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	p.serveSession(w, r, m)
}

func (p *Publisher) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, name := range p.Endpoints() {
		fmt.Fprintf(w, "/%s\n", name)
	}
}

func (p *Publisher) serveSession(w http.ResponseWriter, r *http.Request, m session.Mechanism) {
	res, err := p.runner.Run(r.Context(), m)
	if err != nil {
		p.logger.Error().Err(err).Stringer("mechanism", m).Msg("session failed")
		status := http.StatusInternalServerError
		if gferrors.IsTemporary(err) {
			w.Header().Set("Retry-After", "1")
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	log := p.logger.Debug()
	if res.Interrupted {
		log = p.logger.Info()
	}
	log.Stringer("mechanism", m).
		Str("remote", r.RemoteAddr).
		Int("lines", res.Lines).
		Bool("interrupted", res.Interrupted).
		Msg("session served")

	if res.Interrupted {
		// Nobody is left to read the partial text.
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Text)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(res.Text))
}
