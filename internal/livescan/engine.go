// Package livescan keeps a local mirror of the scans a kuron server is running.
//
// The server pushes full-state frames over a persistent connection. The Engine
// decodes them, merges them into its session store, keeps finished scans
// visible for a short grace period and exposes the result read-only, together
// with two control operations: Cancel and NotifyScheduled.
package livescan

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Default grace periods before a finished scan is evicted.
const (
	DefaultCompletedGrace = 2 * time.Second
	DefaultErrorGrace     = 3 * time.Second
)

// ErrEngineStopped is returned by operations attempted after Stop.
var ErrEngineStopped = errors.New("engine stopped")

// Canceller issues the one-shot cancel request to the scan server.
type Canceller interface {
	CancelScan(ctx context.Context, jobID int64) error
}

// Connection is the streaming transport owned by the engine while it runs.
type Connection interface {
	// Connect opens the connection unless it is already open.
	Connect()

	// CancelReconnect drops any pending reconnect attempt.
	CancelReconnect()

	// Close tears the connection down for good.
	Close() error
}

// Metrics records engine activity.
type Metrics interface {
	IncFrameReceived(kind string)
	IncFrameDropped(reason string)
	IncEviction(status Status)
	SetActiveSessions(n int)
	IncCancelRequest(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncFrameReceived(string) {}
func (noopMetrics) IncFrameDropped(string)  {}
func (noopMetrics) IncEviction(Status)      {}
func (noopMetrics) SetActiveSessions(int)   {}
func (noopMetrics) IncCancelRequest(string) {}

// terminalKey identifies the last terminal frame that was applied.
type terminalKey struct {
	jobID  int64
	status Status
}

// Engine is the live scan-state mirror.
type Engine struct {
	canceller      Canceller
	scheduler      Scheduler
	logger         logrus.FieldLogger
	metrics        Metrics
	tracer         trace.Tracer
	now            func() time.Time
	completedGrace time.Duration
	errorGrace     time.Duration
	onCompleted    []func(ScanSession)
	subBuffer      int

	mu              sync.Mutex
	conn            Connection
	started         bool
	stopped         bool
	sessions        map[int64]*ScanSession
	current         *int64
	lastTerminal    *terminalKey
	lastCompletedAt time.Time
	lastScheduledAt time.Time

	subs subscribers
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler replaces the completion timer scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for control operations.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the time source for the public timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGracePeriods sets how long completed/stopped and errored scans stay
// visible. Non-positive values keep the defaults.
func WithGracePeriods(completed, errored time.Duration) Option {
	return func(e *Engine) {
		if completed > 0 {
			e.completedGrace = completed
		}
		if errored > 0 {
			e.errorGrace = errored
		}
	}
}

// WithCompletionHook registers fn to run once per scan, with the final
// session, when its first terminal frame is applied. Hooks run outside the
// engine lock.
func WithCompletionHook(fn func(ScanSession)) Option {
	return func(e *Engine) { e.onCompleted = append(e.onCompleted, fn) }
}

// WithSubscriberBuffer sets the channel buffer for Subscribe.
func WithSubscriberBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.subBuffer = n
		}
	}
}

// New creates an engine. It does nothing until Start is called, but frames
// may be applied directly with HandleMessage or Apply.
func New(canceller Canceller, opts ...Option) *Engine {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	e := &Engine{
		canceller:      canceller,
		scheduler:      NewTimerScheduler(),
		logger:         discard,
		metrics:        noopMetrics{},
		tracer:         noop.NewTracerProvider().Tracer(""),
		now:            time.Now,
		completedGrace: DefaultCompletedGrace,
		errorGrace:     DefaultErrorGrace,
		subBuffer:      10,
		sessions:       make(map[int64]*ScanSession),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("component", "livescan")

	return e
}

// Start attaches the connection and opens it. Calling Start again is a no-op.
func (e *Engine) Start(conn Connection) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.conn = conn
	e.mu.Unlock()

	e.logger.Info("starting live scan mirror")
	conn.Connect()
	return nil
}

// Stop tears the engine down: the reconnect timer first, then all completion
// timers, then the connection. No state changes after Stop returns.
// Subscriber channels are closed. Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		conn.CancelReconnect()
	}
	cancelled := e.scheduler.CancelAll()
	if conn != nil {
		if err := conn.Close(); err != nil {
			e.logger.WithError(err).Warn("closing connection")
		}
	}
	e.subs.closeAll()

	e.logger.WithField("cancelled_timers", cancelled).Info("live scan mirror stopped")
}

// State returns a consistent snapshot of the whole mirror.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// Sessions returns a copy of every mirrored session keyed by job id.
func (e *Engine) Sessions() map[int64]ScanSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionsLocked()
}

// Session returns the mirrored session for jobID.
func (e *Engine) Session(jobID int64) (ScanSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[jobID]
	if !ok {
		return ScanSession{}, false
	}
	return sess.clone(), true
}

// CurrentJobID returns the job most recently touched by a frame, or nil.
func (e *Engine) CurrentJobID() *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyID(e.current)
}

// Busy reports whether a scan is currently being mirrored.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// LastCompletedAt is bumped whenever a scan finishes. It carries no payload;
// history views use it as a signal to refetch.
func (e *Engine) LastCompletedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCompletedAt
}

// LastScheduledAt is bumped by NotifyScheduled.
func (e *Engine) LastScheduledAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastScheduledAt
}

// Subscribe returns a channel that receives the new State after every change.
// Sends never block; the channel is closed by Unsubscribe or Stop.
func (e *Engine) Subscribe() <-chan State {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := e.subs.add(e.subBuffer)
	if e.stopped {
		e.subs.remove(ch)
	}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch <-chan State) {
	e.subs.remove(ch)
}

// Cancel asks the server to stop jobID. It returns once the server has
// acknowledged the request; the resulting status change arrives later as a
// frame. Local state is never changed here.
func (e *Engine) Cancel(ctx context.Context, jobID int64) error {
	ctx, span := e.tracer.Start(ctx, "livescan.Engine.Cancel",
		trace.WithAttributes(attribute.Int64("job.id", jobID)),
	)
	defer span.End()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		span.SetStatus(codes.Error, ErrEngineStopped.Error())
		return ErrEngineStopped
	}

	if err := e.canceller.CancelScan(ctx, jobID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.IncCancelRequest("failed")
		e.logger.WithError(err).WithField("job_id", jobID).Warn("cancel request failed")
		return err
	}

	e.metrics.IncCancelRequest("acknowledged")
	e.logger.WithField("job_id", jobID).Info("cancel request acknowledged")
	return nil
}

// NotifyScheduled stamps LastScheduledAt. Collaborators call it after creating
// a recurring job so dependent views refresh.
func (e *Engine) NotifyScheduled() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	e.lastScheduledAt = e.now()
	e.subs.broadcast(e.stateLocked())
}

func (e *Engine) stateLocked() State {
	return State{
		Sessions:        e.sessionsLocked(),
		CurrentJobID:    copyID(e.current),
		Busy:            e.current != nil,
		LastCompletedAt: e.lastCompletedAt,
		LastScheduledAt: e.lastScheduledAt,
	}
}

func (e *Engine) sessionsLocked() map[int64]ScanSession {
	out := make(map[int64]ScanSession, len(e.sessions))
	for id, sess := range e.sessions {
		out[id] = sess.clone()
	}
	return out
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
