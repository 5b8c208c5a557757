// Package cli parses obdgate command lines.
package cli

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
)

const description = "obdgate keeps a session with an OBD-II adapter and runs diagnostic commands against it."

type Command string

const (
	CommandRun     Command = "run"
	CommandStatus  Command = "status"
	CommandConnect Command = "connect"
	CommandListen  Command = "listen"
	CommandEnqueue Command = "enqueue"
	CommandPending Command = "pending"
	CommandResults Command = "results"
	CommandStop    Command = "stop"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandRun:     {},
	CommandStatus:  {},
	CommandConnect: {},
	CommandListen:  {},
	CommandEnqueue: {},
	CommandPending: {},
	CommandResults: {},
	CommandStop:    {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

// Parsed is the outcome of one command line.
type Parsed struct {
	Command    Command
	ConfigPath string
	Verbose    bool
	// Args carries the positional arguments of connect, run, and enqueue.
	Args     []string
	ShowHelp bool
}

type grammar struct {
	Config  string `help:"Config file path (default: $XDG_CONFIG_HOME/obdgate/config.jsonc)." placeholder:"PATH"`
	Verbose bool   `short:"v" help:"Write debug records to the log."`

	Run     targetCmd  `cmd:"" help:"Run the gateway in the foreground."`
	Status  struct{}   `cmd:"" help:"Print the connection state."`
	Connect targetCmd  `cmd:"" help:"Connect to an adapter (default: configured target)."`
	Listen  struct{}   `cmd:"" help:"Drop the session and wait for an adapter."`
	Enqueue enqueueCmd `cmd:"" help:"Queue commands by name, or raw text after 'raw'."`
	Pending struct{}   `cmd:"" help:"List queued jobs."`
	Results struct{}   `cmd:"" help:"List recently completed jobs."`
	Stop    struct{}   `cmd:"" help:"Stop the running gateway."`
	Doctor  struct{}   `cmd:"" help:"Run configuration and environment checks."`
	Version struct{}   `cmd:"" help:"Print version information."`
	Help    struct{}   `cmd:"" help:"Show this help."`
}

type targetCmd struct {
	Target string `arg:"" optional:"" help:"host:port or serial device path."`
}

type enqueueCmd struct {
	Commands []string `arg:"" help:"Command names such as EngineRPM or engine_rpm."`
}

func newParser(name string, g *grammar, stdout io.Writer) (*kong.Kong, error) {
	return kong.New(g,
		kong.Name(name),
		kong.Description(description),
		kong.NoDefaultHelp(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Writers(stdout, stdout),
		kong.Exit(func(int) {}),
	)
}

// Parse maps args onto a command. Help and version flags win over anything
// else on the line.
func Parse(args []string) (Parsed, error) {
	for _, arg := range args {
		switch arg {
		case "-h", "--help":
			return Parsed{Command: CommandHelp, ShowHelp: true}, nil
		case "--version":
			return Parsed{Command: CommandVersion}, nil
		}
	}
	if len(args) == 0 {
		return Parsed{Command: CommandHelp, ShowHelp: true}, nil
	}
	if first := firstCommand(args); first != "" {
		if _, ok := validCommands[Command(first)]; !ok {
			return Parsed{}, fmt.Errorf("unknown command: %s", first)
		}
	}

	var g grammar
	parser, err := newParser("obdgate", &g, io.Discard)
	if err != nil {
		return Parsed{}, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return Parsed{}, fmt.Errorf("invalid arguments: %w", err)
	}

	name := strings.Fields(kctx.Command())[0]
	parsed := Parsed{
		Command:    Command(name),
		ConfigPath: g.Config,
		Verbose:    g.Verbose,
		ShowHelp:   Command(name) == CommandHelp,
	}
	switch parsed.Command {
	case CommandRun:
		parsed.Args = optional(g.Run.Target)
	case CommandConnect:
		parsed.Args = optional(g.Connect.Target)
	case CommandEnqueue:
		parsed.Args = g.Enqueue.Commands
	}
	return parsed, nil
}

// firstCommand returns the first argument that is neither a flag nor a flag
// value.
func firstCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config":
			i++
		case strings.HasPrefix(arg, "-"):
		default:
			return arg
		}
	}
	return ""
}

func optional(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return []string{s}
}

// HelpText renders usage for the binary.
func HelpText(binaryName string) string {
	var buf bytes.Buffer
	var g grammar
	parser, err := newParser(binaryName, &g, &buf)
	if err != nil {
		return err.Error()
	}
	kctx, err := kong.Trace(parser, nil)
	if err != nil {
		return err.Error()
	}
	if err := kong.DefaultHelpPrinter(kong.HelpOptions{Compact: true}, kctx); err != nil {
		return err.Error()
	}
	return buf.String()
}
