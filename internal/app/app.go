package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rbright/obdgate/internal/bootstrap"
	"github.com/rbright/obdgate/internal/cli"
	"github.com/rbright/obdgate/internal/config"
	"github.com/rbright/obdgate/internal/doctor"
	"github.com/rbright/obdgate/internal/executor"
	"github.com/rbright/obdgate/internal/feed"
	"github.com/rbright/obdgate/internal/gateway"
	"github.com/rbright/obdgate/internal/health"
	"github.com/rbright/obdgate/internal/ipc"
	"github.com/rbright/obdgate/internal/link"
	"github.com/rbright/obdgate/internal/logging"
	"github.com/rbright/obdgate/internal/notify"
	"github.com/rbright/obdgate/internal/obd"
	"github.com/rbright/obdgate/internal/transport"
	"github.com/rbright/obdgate/internal/version"
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("obdgate"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("obdgate"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New(parsed.Verbose)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded, doctor.DefaultProbes())
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandRun:
		return r.commandRun(ctx, cfgLoaded.Config, parsed.Args, logger)
	case cli.CommandConnect, cli.CommandListen, cli.CommandEnqueue,
		cli.CommandPending, cli.CommandResults, cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.Request{Command: string(parsed.Command), Args: parsed.Args})
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "stopped")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "status"})
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "none"
		}
		if resp.Peer != "" {
			fmt.Fprintf(r.Stdout, "%s %s\n", resp.State, resp.Peer)
			return 0
		}
		fmt.Fprintln(r.Stdout, resp.State)
		return 0
	}

	fmt.Fprintln(r.Stdout, "stopped")
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: %v\n", ipc.ErrNoGateway)
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	if len(resp.Jobs) > 0 {
		printJobs(r.Stdout, resp.Jobs)
	}
	return 0
}

// commandRun owns the control socket for the life of the gateway.
func (r Runner) commandRun(ctx context.Context, cfg config.Config, args []string, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	if len(args) > 0 {
		cfg.Link.Target = args[0]
	}

	adapter, closeLink, err := newTransport(cfg.Link, logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeLink()

	queue := executor.New(adapter, logger,
		executor.WithFramer(obd.ReadResponse),
		executor.WithCommandTimeout(time.Duration(cfg.Adapter.CommandTimeoutMS)*time.Millisecond),
		executor.WithObserver(func(running int) {
			logger.Debug("executor running", "jobs", running)
		}),
	)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	var sinks []gateway.Sink
	var servers []func(context.Context) error
	if cfg.Feed.Enable {
		hub := feed.NewHub(logger)
		sinks = append(sinks, hub)
		servers = append(servers, func(ctx context.Context) error {
			return feed.Serve(ctx, cfg.Feed.Addr, hub)
		})
	}
	if cfg.Health.Enable {
		hs := health.NewServer(logger)
		sinks = append(sinks, hs)
		servers = append(servers, func(ctx context.Context) error {
			return hs.Serve(ctx, cfg.Health.Addr)
		})
	}
	if cfg.Notify.Enable {
		sinks = append(sinks, newDesktop(cfg.Notify, logger))
	}

	gw := gateway.New(gateway.Config{
		Target: cfg.Link.Target,
		Bootstrap: bootstrap.Config{
			Protocol: cfg.Adapter.Protocol,
			Imperial: cfg.Adapter.Imperial,
			Settle:   time.Duration(cfg.Adapter.ResetSettleMS) * time.Millisecond,
		},
	}, adapter, queue, logger, sinks...)

	serverErrCh := make(chan error, len(servers)+1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, gw)
	}()
	for _, serve := range servers {
		go func() {
			if err := serve(serverCtx); err != nil {
				logger.Error("server failed", "error", err.Error())
			}
		}()
	}

	runErr := gw.Run(ctx)
	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}
	if runErr != nil {
		logger.Error("gateway failed", "error", runErr.Error())
		fmt.Fprintf(r.Stderr, "error: %v\n", runErr)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

// adapterTransport is what the gateway and the executor both need.
type adapterTransport interface {
	gateway.Transport
	executor.SessionSource
}

// newTransport builds the transport for the configured link kind. The
// returned func releases anything the link holds open.
func newTransport(cfg config.LinkConfig, logger *slog.Logger) (adapterTransport, func(), error) {
	noop := func() {}
	var l transport.Link
	var opts []transport.Option

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case config.LinkMock:
		return transport.NewMock(nil), noop, nil
	case config.LinkSerial:
		l = link.Serial{Baud: cfg.Baud}
		opts = append(opts, transport.WithListenerKinds())
	case config.LinkTCP, "":
		l = link.TCP{
			Addrs: map[transport.ListenerKind]string{
				transport.ListenerSecure:   cfg.ListenSecure,
				transport.ListenerInsecure: cfg.ListenInsecure,
			},
			DialTimeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
		}
	default:
		return nil, noop, fmt.Errorf("unsupported link kind %q", cfg.Kind)
	}

	release := noop
	if address := strings.TrimSpace(cfg.BluetoothAddress); address != "" {
		resolver, err := link.NewBlueZ(cfg.BluetoothAdapter)
		if err != nil {
			logger.Warn("bluetooth names unavailable", "error", err.Error())
		} else {
			l = link.WithNames(l, resolver, address, logger)
			release = func() { _ = resolver.Close() }
		}
	}

	return transport.New(l, logger, opts...), release, nil
}

func newDesktop(cfg config.NotifyConfig, logger *slog.Logger) *notify.Desktop {
	bus, err := notify.NewBus()
	if err != nil {
		logger.Warn("desktop notifications unavailable", "error", err.Error())
		return notify.NewDesktop(cfg, nil, logger)
	}
	return notify.NewDesktop(cfg, bus, logger)
}

func printJobs(w io.Writer, jobs []ipc.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSESSION\tCOMMAND\tSTATE\tRESULT\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", j.ID, j.Session, j.Command, j.State, j.Result, j.Error)
	}
	_ = tw.Flush()
}

func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, 220*time.Millisecond)
	switch {
	case err == nil && resp.OK:
		return resp, true, nil
	case err == nil:
		return resp, true, errors.New(resp.Error)
	case errors.Is(err, ipc.ErrNoGateway):
		return ipc.Response{}, false, nil
	default:
		return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
	}
}
