// Command mcphost connects a language model to the tools of one or more
// MCP servers and answers questions with them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdin, os.Stdout, and os.Args out of the application
// logic so that every command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mcphost command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. SIGINT and SIGTERM
//     cancel it, which aborts in-flight model and tool calls.
//   - stdin feeds the interactive chat command.
//   - stdout receives answers and command output; stderr receives logs.
//   - args is os.Args[1:].
//
// run returns nil on success and a non-nil error for any failure. The
// caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "chat":
		var resume string
		if len(cmdArgs) > 0 {
			resume = cmdArgs[0]
		}
		return runChat(ctx, stdin, stdout, stderr, configPath, resume)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "history":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost history <conversation-id>")
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "usage":
		var id string
		if len(cmdArgs) > 0 {
			id = cmdArgs[0]
		}
		return runUsage(ctx, stdout, stderr, configPath, outputFmt, id)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// mcphost is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphost - answer questions with a language model and MCP tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask <question>       Answer a single question and exit")
	fmt.Fprintln(w, "  chat [id]            Interactive conversation on stdin (resume id if given)")
	fmt.Fprintln(w, "  tools                List the tools discovered on the configured servers")
	fmt.Fprintln(w, "  history <id>         Print a stored conversation")
	fmt.Fprintln(w, "  usage [id]           Token usage for the last 30 days, or one conversation")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml")
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
