// Package executor runs diagnostic command jobs one at a time, in submission
// order, against the current transport session.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rbright/obdgate/internal/events"
	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/obd"
	"github.com/rbright/obdgate/internal/transport"
)

// resyncFactor scales the command timeout into the window allowed for the
// rest of a late reply to arrive before the session is given up.
const resyncFactor = 4

// ErrClosed is returned by Enqueue once the executor has been closed.
var ErrClosed = errors.New("executor closed")

// SessionSource hands out the live session, blocking until one exists.
// Both transport.Transport and transport.Mock satisfy it.
type SessionSource interface {
	Await(ctx context.Context) (transport.Session, error)
}

// Framer reads exactly one adapter response from r.
type Framer func(r io.Reader) ([]byte, error)

// settler is a command after which the adapter needs a quiet period before
// the next command is sent.
type settler interface {
	SettleTime() time.Duration
}

// Executor owns an unbounded FIFO of jobs and the single worker draining it.
type Executor struct {
	source   SessionSource
	logger   *slog.Logger
	bus      *events.Bus[job.Job]
	framer   Framer
	timeout  time.Duration
	observer func(running int)

	mu      sync.Mutex
	queue   []*job.Job
	current *job.Job
	nextID  uint64
	epoch   uint64
	running int
	closed  bool
	ready   chan struct{}

	// stale is the session whose stream still holds the tail of a reply that
	// missed its deadline. Only the worker touches it.
	stale uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option is a functional option for the Executor.
type Option func(*Executor)

// WithCommandTimeout bounds every response read when the session stream
// supports read deadlines. Zero disables the bound.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithFramer replaces the default ELM327 prompt framing.
func WithFramer(f Framer) Option {
	return func(e *Executor) {
		if f != nil {
			e.framer = f
		}
	}
}

// WithObserver registers a callback invoked with the number of running jobs
// every time a job enters or leaves the running state.
func WithObserver(fn func(running int)) Option {
	return func(e *Executor) {
		e.observer = fn
	}
}

// New constructs an Executor. The worker does not run until Start.
func New(source SessionSource, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Executor{
		source: source,
		logger: logger,
		bus:    events.NewBus[job.Job](),
		framer: obd.ReadResponse,
		epoch:  1,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the bus carrying exactly one completion event per job.
func (e *Executor) Events() *events.Bus[job.Job] {
	return e.bus
}

// Start launches the worker. Calls after the first are no-ops.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()
		go e.run(ctx)
	})
}

// Close stops the worker and waits for it to exit. Jobs still queued,
// including those waiting for a session, are dropped without a completion
// event. The event bus stays open so that rejected enqueues are still
// reported.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	// A worker that never started must not start later.
	e.startOnce.Do(func() { close(e.done) })
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-e.done

	e.mu.Lock()
	dropped := len(e.queue)
	clear(e.queue)
	e.queue = nil
	e.current = nil
	e.mu.Unlock()
	if dropped > 0 {
		e.logger.Info("dropped queued jobs at shutdown", "count", dropped)
	}
}

// Enqueue assigns the next id and queues cmd. After Close the job is marked
// queue_error, reported once on the bus, and ErrClosed is returned.
func (e *Executor) Enqueue(cmd job.Command) (uint64, error) {
	if cmd == nil {
		return 0, fmt.Errorf("%w: nil command", job.ErrConfiguration)
	}

	e.mu.Lock()
	j := e.newJobLocked(cmd)
	if e.closed {
		e.mu.Unlock()
		e.reject(j)
		return j.ID, ErrClosed
	}
	e.queue = append(e.queue, j)
	e.mu.Unlock()

	e.logger.Debug("job enqueued", "job", j.ID, "command", cmd.Name())
	e.wake()
	return j.ID, nil
}

// Restart starts a new id epoch and queues cmds, numbered from 1, ahead of
// every job still waiting. After Close each job is reported as queue_error
// and ErrClosed is returned.
func (e *Executor) Restart(cmds ...job.Command) ([]uint64, error) {
	for _, cmd := range cmds {
		if cmd == nil {
			return nil, fmt.Errorf("%w: nil command", job.ErrConfiguration)
		}
	}

	e.mu.Lock()
	e.epoch++
	e.nextID = 0
	jobs := make([]*job.Job, 0, len(cmds))
	ids := make([]uint64, 0, len(cmds))
	for _, cmd := range cmds {
		j := e.newJobLocked(cmd)
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	if e.closed {
		e.mu.Unlock()
		for _, j := range jobs {
			e.reject(j)
		}
		return ids, ErrClosed
	}
	e.queue = append(jobs, e.queue...)
	waiting := len(e.queue) - len(jobs)
	e.mu.Unlock()

	e.logger.Debug("jobs queued at head", "count", len(jobs), "waiting", waiting)
	e.wake()
	return ids, nil
}

func (e *Executor) newJobLocked(cmd job.Command) *job.Job {
	e.nextID++
	return &job.Job{
		ID:       e.nextID,
		Session:  e.epoch,
		Command:  cmd,
		State:    job.StateNew,
		Enqueued: time.Now(),
	}
}

// reject reports a job that arrived after Close. It never entered the queue.
func (e *Executor) reject(j *job.Job) {
	j.State = job.StateQueueError
	j.Err = fmt.Errorf("%w: %w", job.ErrQueue, ErrClosed)
	j.Finished = j.Enqueued
	e.logger.Warn("enqueue after close", "job", j.ID, "command", j.Name())
	e.bus.Publish(*j)
}

func (e *Executor) wake() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

// ResetIDs starts a new id epoch: the next enqueued job gets id 1.
func (e *Executor) ResetIDs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	e.nextID = 0
}

// Pending returns the job the worker holds, if any, followed by the queued
// jobs in execution order.
func (e *Executor) Pending() []job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]job.Job, 0, len(e.queue)+1)
	if e.current != nil {
		out = append(out, *e.current)
	}
	for _, j := range e.queue {
		out = append(out, *j)
	}
	return out
}

func (e *Executor) run(ctx context.Context) {
	defer close(e.done)
	e.logger.Debug("executor worker begin")
	defer e.logger.Debug("executor worker end")

	for {
		if err := e.wait(ctx); err != nil {
			return
		}
		// The head is taken only once a session is live, so a sequence queued
		// while the session was being installed is the first thing it runs.
		session, err := e.source.Await(ctx)
		if err != nil {
			e.logger.Debug("stopped waiting for a session", "error", err.Error())
			return
		}
		j := e.take()
		if j == nil {
			continue
		}
		if j.State != job.StateNew {
			e.logger.Error("job re-entered the queue", "job", j.ID, "state", j.State)
			e.complete(j, j.State, j.Result, j.Err)
			continue
		}
		e.execute(session, j)
		if err := e.settle(ctx, j.Command); err != nil {
			return
		}
	}
}

// settle holds the worker for the quiet period cmd asks for, or until ctx is
// done.
func (e *Executor) settle(ctx context.Context, cmd job.Command) error {
	s, ok := cmd.(settler)
	if !ok || s.SettleTime() <= 0 {
		return nil
	}
	timer := time.NewTimer(s.SettleTime())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// wait blocks until a job is queued or ctx is done.
func (e *Executor) wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		n := len(e.queue)
		e.mu.Unlock()
		if n > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ready:
		}
	}
}

// take removes the head of the queue and makes it the current job.
func (e *Executor) take() *job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	j := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	e.current = j
	return j
}

func (e *Executor) execute(session transport.Session, j *job.Job) {
	e.mu.Lock()
	j.State = job.StateRunning
	e.running++
	running := e.running
	e.mu.Unlock()
	e.observe(running)
	e.logger.Debug("job running", "job", j.ID, "command", j.Name(), "session", session.ID)

	result, err := e.roundTrip(session, j.Command)

	e.mu.Lock()
	e.running--
	running = e.running
	e.mu.Unlock()
	e.observe(running)

	switch {
	case err == nil:
		e.complete(j, job.StateFinished, result, nil)
	case errors.Is(err, job.ErrUnsupported):
		e.complete(j, job.StateNotSupported, "", err)
	default:
		if !errors.Is(err, job.ErrExecution) {
			err = fmt.Errorf("%w: %w", job.ErrExecution, err)
		}
		e.logger.Warn("job failed", "job", j.ID, "command", j.Name(), "error", err.Error())
		e.complete(j, job.StateExecutionError, "", err)
	}
}

func (e *Executor) roundTrip(session transport.Session, cmd job.Command) (string, error) {
	payload, err := cmd.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize %s: %w", cmd.Name(), err)
	}

	stream := session.Stream
	if e.stale == session.ID {
		if err := e.resync(stream); err != nil {
			e.logger.Warn("late reply never completed; dropping session", "session", session.ID, "error", err.Error())
			drop(stream, err)
			return "", fmt.Errorf("%w: resync before %s: %w", job.ErrTransport, cmd.Name(), err)
		}
		e.logger.Debug("discarded late reply", "session", session.ID)
		e.stale = 0
	}

	e.deadline(stream, e.timeout)
	if _, err := stream.Write(payload); err != nil {
		return "", fmt.Errorf("write %s: %w", cmd.Name(), err)
	}
	response, err := e.framer(stream)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			e.stale = session.ID
		}
		return "", fmt.Errorf("read %s: %w", cmd.Name(), err)
	}
	return cmd.Parse(response)
}

// resync reads and discards up to the prompt that ends a reply which missed
// its deadline.
func (e *Executor) resync(stream io.Reader) error {
	e.deadline(stream, resyncFactor*e.timeout)
	_, err := e.framer(stream)
	return err
}

func (e *Executor) deadline(stream any, d time.Duration) {
	if d <= 0 {
		return
	}
	s, ok := stream.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return
	}
	if err := s.SetReadDeadline(time.Now().Add(d)); err != nil {
		e.logger.Debug("set read deadline failed", "error", err.Error())
	}
}

// drop ends the session behind stream when the stream can report it.
func drop(stream any, err error) {
	if d, ok := stream.(interface{ Drop(error) }); ok {
		d.Drop(err)
	}
}

func (e *Executor) complete(j *job.Job, state job.State, result string, err error) {
	e.mu.Lock()
	j.State = state
	j.Result = result
	j.Err = err
	j.Finished = time.Now()
	if e.current == j {
		e.current = nil
	}
	snapshot := *j
	e.mu.Unlock()

	e.logger.Info("job completed", "job", snapshot.ID, "command", snapshot.Name(), "state", snapshot.State)
	e.bus.Publish(snapshot)
}

func (e *Executor) observe(running int) {
	if e.observer != nil {
		e.observer(running)
	}
}
