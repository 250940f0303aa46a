// Newsdesk is a chat assistant for managing newsletter articles from
// Slack. Every change to article storage waits for a human to approve
// it in the thread it was requested from.
//
// Usage:
//
//	newsdesk serve                       Start the Slack bridge and HTTP server
//	newsdesk ask <request>               Run one request through the agent (for testing)
//	newsdesk pending                     List actions awaiting approval
//	newsdesk approve <conversation> [who] Approve a pending action
//	newsdesk deny <conversation> [who]    Deny a pending action
//	newsdesk version                     Print version and build information
//	newsdesk -o json <command>           Output as JSON where supported
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
	"time"

	"github.com/nugget/newsdesk/internal/buildinfo"
	"github.com/nugget/newsdesk/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed global flags.
type options struct {
	configPath string
	outputFmt  string // "text" or "json"
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so tests can call run concurrently.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: newsdesk ask <request>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "pending":
		return runPending(ctx, stdout, stderr, opts)
	case "approve", "deny":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: newsdesk %s <conversation-id> [actor]", command)
		}
		actor := defaultActor()
		if len(cmdArgs) > 1 {
			actor = cmdArgs[1]
		}
		return runResolve(ctx, stdout, stderr, opts, command == "approve", cmdArgs[0], actor)
	case "purge":
		actor := defaultActor()
		if len(cmdArgs) > 0 {
			actor = cmdArgs[0]
		}
		return runPurge(ctx, stdout, stderr, opts, actor)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadConfig finds and loads the config file. With no file anywhere on
// the search path the defaults are used.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	return config.Load(path)
}

// defaultActor names the person resolving an action from the CLI.
func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// writeJSON encodes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Newsdesk - newsletter assistant with human approval")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: newsdesk [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                         Start the Slack bridge and HTTP server")
	fmt.Fprintln(w, "  ask <request>                 Run one request through the agent")
	fmt.Fprintln(w, "  pending                       List actions awaiting approval")
	fmt.Fprintln(w, "  approve <conversation> [who]  Approve a pending action")
	fmt.Fprintln(w, "  deny <conversation> [who]     Deny a pending action")
	fmt.Fprintln(w, "  purge [who]                   Discard every pending action")
	fmt.Fprintln(w, "  version                       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// age renders how long ago t was, rounded for humans.
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
