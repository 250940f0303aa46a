// Package connwatch tracks the reachability of newsdesk's external
// dependencies (article database, state store, model provider, Slack)
// so the health endpoint can report them and operators see outages in
// the log as transitions rather than as a stream of failed requests.
//
// Each Watcher probes one dependency. It retries with exponential
// backoff until the first success (or the retry budget runs out), then
// polls at a fixed interval and logs and publishes every up/down
// transition.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/newsdesk/internal/events"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first retry delay (default 2s)
	MaxDelay     time.Duration // retry delay ceiling (default 60s)
	MaxRetries   int           // startup attempts before polling (default 10)
	PollInterval time.Duration // steady-state probe interval (default 60s)
	ProbeTimeout time.Duration // per-probe deadline (default 10s)
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 60s, ten startup
// attempts and one-minute polling.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Dependency describes one watched service.
type Dependency struct {
	Name  string
	Probe ProbeFunc
	// Critical dependencies make the process unhealthy while down.
	Critical bool
	Backoff  Backoff
}

// Status is the health of one dependency, as served by /healthz.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	dep    Dependency
	bus    *events.Bus
	logger *slog.Logger
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// Status returns the dependency's current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.dep.Name,
		Ready:     w.ready,
		Critical:  w.dep.Critical,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.dep.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		if w.check(ctx) == nil {
			break
		}
		if attempt == b.MaxRetries {
			w.logger.Warn("dependency unreachable at startup, polling in background",
				"dependency", w.dep.Name, "attempts", attempt)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the result and reports transitions.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.dep.Backoff.ProbeTimeout)
	err := w.dep.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case !was && err == nil:
		w.logger.Info("dependency ready", "dependency", w.dep.Name)
		w.bus.Emit(events.SourceHealth, events.KindDependencyUp, map[string]any{"dependency": w.dep.Name})
	case was && err != nil:
		w.logger.Warn("dependency down", "dependency", w.dep.Name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindDependencyDown, map[string]any{
			"dependency": w.dep.Name,
			"error":      err.Error(),
		})
	case err != nil:
		w.logger.Debug("dependency still unreachable", "dependency", w.dep.Name, "error", err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager runs a set of watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. Transitions are published on bus when
// it is non-nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{bus: bus, logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts watching dep until ctx is cancelled. It panics on an
// empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, dep Dependency) *Watcher {
	if dep.Name == "" || dep.Probe == nil {
		panic("connwatch: dependency needs a name and a probe")
	}
	dep.Backoff = dep.Backoff.withDefaults()

	w := &Watcher{dep: dep, bus: m.bus, logger: m.logger, done: make(chan struct{})}
	m.mu.Lock()
	m.watchers[dep.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every dependency's health ordered by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every critical dependency is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if s.Critical && !s.Ready {
			return false
		}
	}
	return true
}

// Wait blocks until every watcher has exited after its context ended.
func (m *Manager) Wait() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		<-w.done
	}
}
