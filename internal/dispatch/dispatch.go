// Package dispatch fans inbound chat events out to one worker goroutine
// per conversation. Events for a conversation are handled one at a
// time in arrival order; different conversations proceed concurrently.
// Workers exit after a period of inactivity and are recreated on
// demand.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nugget/newsdesk/internal/agent"
	"github.com/nugget/newsdesk/internal/confirm"
	"github.com/nugget/newsdesk/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultHandleTimeout = 5 * time.Minute
	DefaultQueueSize     = 256
)

// ErrStopped is returned by Submit once Run has returned or before it
// starts accepting events.
var ErrStopped = errors.New("dispatch: dispatcher is not running")

// Kind is the type of an inbound event.
type Kind string

const (
	KindMessage Kind = "message"
	KindApprove Kind = "approve"
	KindDeny    Kind = "deny"
)

// ReplyFunc delivers a reply back to the surface the event came from.
type ReplyFunc func(ctx context.Context, text string)

// PrepareFunc runs on the conversation's worker before the handler.
// Surfaces use it for slow intake work (acknowledgements, attachment
// downloads) so that work only delays its own conversation. It returns
// the enriched event, or false to drop it.
type PrepareFunc func(ctx context.Context, ev Event) (Event, bool)

// Event is one inbound signal for a conversation.
type Event struct {
	Kind           Kind
	ConversationID string
	// Actor is the message sender or the user who clicked approve/deny.
	Actor   string
	Text    string
	Target  confirm.Target
	Reply   ReplyFunc
	Prepare PrepareFunc
}

// Handler processes one event and returns the reply text.
type Handler interface {
	Handle(ctx context.Context, ev Event) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) string

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) string { return f(ctx, ev) }

// Config configures a Dispatcher.
type Config struct {
	Handler       Handler
	IdleTimeout   time.Duration
	HandleTimeout time.Duration
	QueueSize     int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Dispatcher routes events to per-conversation workers.
type Dispatcher struct {
	handler       Handler
	idleTimeout   time.Duration
	handleTimeout time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	inbound chan Event
	done    chan struct{}

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

// New creates a dispatcher. Call Run to start it.
func New(cfg Config) *Dispatcher {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultHandleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler:       cfg.Handler,
		idleTimeout:   cfg.IdleTimeout,
		handleTimeout: cfg.HandleTimeout,
		metrics:       cfg.Metrics,
		logger:        logger,
		inbound:       make(chan Event, cfg.QueueSize),
		done:          make(chan struct{}),
		workers:       make(map[string]*worker),
	}
}

// Submit queues an event. It blocks while the inbound queue is full
// and returns ErrStopped once the dispatcher has shut down.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	if ev.ConversationID == "" {
		return errors.New("dispatch: empty conversation id")
	}
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	select {
	case d.inbound <- ev:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run fans events out until ctx is cancelled, then waits for every
// worker to finish its current event. Events still queued at shutdown
// are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		"idle_timeout", d.idleTimeout,
		"handle_timeout", d.handleTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			close(d.done)
			d.wg.Wait()
			if n := len(d.inbound); n > 0 {
				d.logger.Warn("dispatcher dropped queued events at shutdown", "count", n)
			}
			d.logger.Info("dispatcher stopped")
			return nil
		case ev := <-d.inbound:
			d.deliver(ctx, ev)
		}
	}
}

// Workers returns the number of live conversation workers.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if w, ok := d.workers[ev.ConversationID]; ok && w.push(ev) {
		return
	}

	w := &worker{key: ev.ConversationID, wake: make(chan struct{}, 1)}
	w.push(ev)
	d.workers[w.key] = w
	d.wg.Add(1)
	d.metrics.WorkerStarted()
	go d.runWorker(ctx, w)
}

func (d *Dispatcher) removeWorker(w *worker) {
	d.mu.Lock()
	if d.workers[w.key] == w {
		delete(d.workers, w.key)
	}
	d.mu.Unlock()
	d.metrics.WorkerStopped()
	d.wg.Done()
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker) {
	defer d.removeWorker(w)
	log := d.logger.With("conversation_id", w.key)
	log.Debug("conversation worker started")

	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		if ev, ok := w.pop(); ok {
			d.handle(ctx, ev, log)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTimeout)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-idle.C:
			if w.closeIfEmpty() {
				log.Debug("conversation worker idle, exiting")
				return
			}
			idle.Reset(d.idleTimeout)
		}
	}
}

func (d *Dispatcher) handle(parent context.Context, ev Event, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(parent, d.handleTimeout)
	defer cancel()

	start := time.Now()
	text := d.safeHandle(ctx, ev, log)

	log.Debug("event handled", "kind", ev.Kind, "elapsed", time.Since(start))
	if text != "" && ev.Reply != nil {
		ev.Reply(ctx, text)
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, ev Event, log *slog.Logger) (text string) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("event handler panicked",
				"kind", ev.Kind,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			text = "Sorry, something went wrong handling that. Please try again."
		}
	}()
	if ev.Prepare != nil {
		var ok bool
		if ev, ok = ev.Prepare(ctx, ev); !ok {
			log.Debug("event dropped during preparation", "kind", ev.Kind)
			return ""
		}
	}
	return d.handler.Handle(ctx, ev)
}

// worker is a conversation's mailbox. Once closed it accepts nothing
// and the dispatcher starts a fresh worker for the next event.
type worker struct {
	key  string
	wake chan struct{}

	mu      sync.Mutex
	pending []Event
	closed  bool
}

func (w *worker) push(ev Event) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.pending = append(w.pending, ev)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *worker) pop() (Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return Event{}, false
	}
	ev := w.pending[0]
	w.pending[0] = Event{}
	w.pending = w.pending[1:]
	return ev, true
}

func (w *worker) closeIfEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		return false
	}
	w.closed = true
	return true
}

// RouterHandler adapts an agent router to Handler. A message that
// cannot be recorded gets a generic apology.
func RouterHandler(r *agent.Router, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(ctx context.Context, ev Event) string {
		switch ev.Kind {
		case KindApprove:
			return r.HandleApprove(ctx, ev.ConversationID, ev.Actor)
		case KindDeny:
			return r.HandleDeny(ctx, ev.ConversationID, ev.Actor)
		default:
			reply, err := r.HandleMessage(ctx, agent.Turn{
				ConversationID: ev.ConversationID,
				Sender:         ev.Actor,
				Text:           ev.Text,
				Target:         ev.Target,
			})
			if err != nil {
				logger.Error("message handling failed", "conversation_id", ev.ConversationID, "error", err)
				return "Sorry, I couldn't process that message right now. Please try again."
			}
			return reply.Text
		}
	})
}
