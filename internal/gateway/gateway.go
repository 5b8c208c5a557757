// Package gateway composes the transport, executor, and bootstrap sequence
// into one running diagnostic gateway and serves its IPC commands.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rbright/obdgate/internal/bootstrap"
	"github.com/rbright/obdgate/internal/events"
	"github.com/rbright/obdgate/internal/fsm"
	"github.com/rbright/obdgate/internal/ipc"
	"github.com/rbright/obdgate/internal/job"
	"github.com/rbright/obdgate/internal/obd"
	"github.com/rbright/obdgate/internal/transport"
)

// historySize bounds the completed jobs kept for the results command.
const historySize = 32

// Transport is the connection surface the gateway drives. Both
// transport.Transport and transport.Mock satisfy it.
type Transport interface {
	Start()
	Connect(target string) error
	Stop()
	State() fsm.State
	Events() *events.Bus[transport.Event]
	OnConnected(fn func(transport.Session))
}

// Queue is the executor surface the gateway drives.
type Queue interface {
	bootstrap.Queue
	Enqueue(cmd job.Command) (uint64, error)
	Start(ctx context.Context)
	Close()
	Pending() []job.Job
	Events() *events.Bus[job.Job]
}

// Sink receives every relayed event, in publish order, from the gateway loop.
type Sink interface {
	Connection(ev transport.Event)
	JobCompleted(j job.Job)
}

// Config is the gateway's view of the loaded configuration.
type Config struct {
	// Target is dialled at startup when set; otherwise the gateway listens.
	Target    string
	Bootstrap bootstrap.Config
}

// Gateway owns one transport and one executor for the life of the process.
type Gateway struct {
	cfg       Config
	transport Transport
	queue     Queue
	logger    *slog.Logger
	sinks     []Sink

	mu      sync.RWMutex
	peer    transport.Peer
	history []job.Job

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a gateway. Nothing runs until Run.
func New(cfg Config, t Transport, q Queue, logger *slog.Logger, sinks ...Sink) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		cfg:       cfg,
		transport: t,
		queue:     q,
		logger:    logger,
		sinks:     sinks,
		stopped:   make(chan struct{}),
	}
}

// Run starts the executor and the transport, then relays events until ctx is
// done or Stop is called. Every new session runs the bootstrap sequence
// before any other job, including jobs left queued by an earlier session.
func (g *Gateway) Run(ctx context.Context) error {
	conns, unsubscribeConns := g.transport.Events().Subscribe()
	defer unsubscribeConns()
	jobs, unsubscribeJobs := g.queue.Events().Subscribe()
	defer unsubscribeJobs()

	g.transport.OnConnected(g.configure)
	g.queue.Start(ctx)
	if target := strings.TrimSpace(g.cfg.Target); target != "" {
		if err := g.transport.Connect(target); err != nil {
			g.Stop()
			return fmt.Errorf("connect %s: %w", target, err)
		}
	} else {
		g.transport.Start()
	}
	g.logger.Info("gateway running", "target", g.cfg.Target, "protocol", g.cfg.Bootstrap.Protocol)

	for {
		select {
		case <-ctx.Done():
			g.Stop()
			return nil
		case <-g.stopped:
			return nil
		case ev, ok := <-conns:
			if !ok {
				return errors.New("transport event stream closed")
			}
			g.connection(ev)
		case j, ok := <-jobs:
			if !ok {
				return errors.New("job event stream closed")
			}
			g.completed(j)
		}
	}
}

// Stop shuts down the transport, then the executor. Jobs still queued are
// dropped without completion events. Safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.logger.Info("gateway stop", "state", g.transport.State())
		g.transport.Stop()
		g.queue.Close()
		close(g.stopped)

		final := transport.Event{Kind: transport.EventState, State: g.transport.State()}
		for _, s := range g.sinks {
			s.Connection(final)
		}
	})
}

// Done is closed once Stop has completed.
func (g *Gateway) Done() <-chan struct{} {
	return g.stopped
}

func (g *Gateway) connection(ev transport.Event) {
	g.mu.Lock()
	switch {
	case ev.Kind == transport.EventPeer:
		g.peer = ev.Peer
	case ev.Kind == transport.EventState && ev.State != fsm.StateConnected:
		g.peer = transport.Peer{}
	}
	g.mu.Unlock()

	for _, s := range g.sinks {
		s.Connection(ev)
	}
}

// configure runs inside the transport's connected transition, so the
// sequence heads the queue before the executor can see the session.
func (g *Gateway) configure(s transport.Session) {
	if _, err := bootstrap.Run(g.queue, g.cfg.Bootstrap, g.logger); err != nil {
		g.logger.Error("bootstrap failed", "session", s.ID, "error", err.Error())
	}
}

func (g *Gateway) completed(j job.Job) {
	g.mu.Lock()
	g.history = append(g.history, j)
	if over := len(g.history) - historySize; over > 0 {
		g.history = append(g.history[:0:0], g.history[over:]...)
	}
	g.mu.Unlock()

	for _, s := range g.sinks {
		s.JobCompleted(j)
	}
}

// Handle serves one IPC request.
func (g *Gateway) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case "status":
		return g.respond(ipc.Response{OK: true, Message: "status"})
	case "connect":
		return g.connect(req.Args)
	case "listen":
		g.transport.Start()
		return g.respond(ipc.Response{OK: true, Message: "listening"})
	case "enqueue":
		return g.enqueue(req.Args)
	case "pending":
		return g.respond(ipc.Response{OK: true, Jobs: jobViews(g.queue.Pending())})
	case "results":
		g.mu.RLock()
		history := jobViews(g.history)
		g.mu.RUnlock()
		return g.respond(ipc.Response{OK: true, Jobs: history})
	case "stop":
		g.Stop()
		return g.respond(ipc.Response{OK: true, Message: "stopped"})
	default:
		return g.respond(ipc.Response{OK: false, Error: fmt.Sprintf("unknown command: %s", req.Command)})
	}
}

func (g *Gateway) connect(args []string) ipc.Response {
	target := g.cfg.Target
	if len(args) > 0 {
		target = strings.TrimSpace(args[0])
	}
	if target == "" {
		return g.respond(ipc.Response{OK: false, Error: "no target given and none configured"})
	}
	if err := g.transport.Connect(target); err != nil {
		return g.respond(ipc.Response{OK: false, Error: err.Error()})
	}
	return g.respond(ipc.Response{OK: true, Message: "connecting to " + target})
}

// enqueue accepts catalog names, or "raw" followed by the text to send.
func (g *Gateway) enqueue(args []string) ipc.Response {
	cmds, err := commands(args)
	if err != nil {
		return g.respond(ipc.Response{OK: false, Error: err.Error()})
	}

	var views []ipc.Job
	for _, cmd := range cmds {
		cmd = obd.WithUnits(cmd, g.cfg.Bootstrap.Imperial)
		id, err := g.queue.Enqueue(cmd)
		if err != nil {
			return g.respond(ipc.Response{OK: false, Error: err.Error(), Jobs: views})
		}
		views = append(views, ipc.Job{ID: id, Command: cmd.Name(), State: string(job.StateNew)})
	}
	return g.respond(ipc.Response{OK: true, Message: fmt.Sprintf("queued %d", len(views)), Jobs: views})
}

func commands(args []string) ([]job.Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no command given", job.ErrConfiguration)
	}
	if strings.EqualFold(args[0], "raw") {
		cmd := obd.Raw{Text: strings.Join(args[1:], " ")}
		if _, err := cmd.Serialize(); err != nil {
			return nil, err
		}
		return []job.Command{cmd}, nil
	}

	cmds := make([]job.Command, 0, len(args))
	for _, name := range args {
		cmd, err := obd.Lookup(name)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (g *Gateway) respond(resp ipc.Response) ipc.Response {
	resp.State = string(g.transport.State())
	g.mu.RLock()
	peer := g.peer
	g.mu.RUnlock()
	resp.Peer = peer.Name
	if resp.Peer == "" {
		resp.Peer = peer.Address
	}
	return resp
}

func jobViews(jobs []job.Job) []ipc.Job {
	out := make([]ipc.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ipc.Job{
			ID:      j.ID,
			Session: j.Session,
			Command: j.Name(),
			State:   string(j.State),
			Result:  j.Result,
			Error:   j.ErrString(),
		})
	}
	return out
}
