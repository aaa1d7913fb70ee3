// Prism is a durable agentic execution engine for personal finance.
//
// A cycle turns a user message into a generated Go program, runs it in a
// sandbox and gates every capability call by risk tier. Calls that need a
// human pause the cycle into a snapshot that survives restarts and is
// resumed once someone approves or denies it.
//
// Usage:
//
//	prism serve                          Start the API server
//	prism init [dir]                     Write an example config
//	prism ask <subject> <message...>     Run one cycle and print the result
//	prism resume <snapshot-id>           Approve (or --deny) a paused cycle
//	prism pending <subject>              List snapshots awaiting approval
//	prism tenant add <id> [name]         Register a subject
//	prism tenant list                    List subjects
//	prism facts repair                   Fix subjects with several active facts per entity
//	prism facts history <s> <layer> <e>  Show every version of one fact
//	prism undo <entry-id>                Revert an advisory action
//	prism usage [subject] [--days n]     Summarize model token usage and cost
//	prism doctor                         Check config, database and model providers
//	prism version                        Print version and build information
//	prism -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/prism/internal/buildinfo"
	"github.com/nugget/prism/internal/config"
)

// main is intentionally minimal. It builds the OS-level environment and
// delegates to [run] so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()
	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "prism: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	output     string
}

func (g *globals) validate() error {
	switch g.output {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (valid: text, json)", g.output)
	}
}

// run builds the command tree and executes it against args.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	g := &globals{}

	root := &cobra.Command{
		Use:           "prism",
		Short:         "Durable agentic execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return g.validate()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		serveCmd(g),
		initCmd(),
		askCmd(g),
		resumeCmd(g),
		pendingCmd(g),
		tenantCmd(g),
		factsCmd(g),
		undoCmd(g),
		usageCmd(g),
		doctorCmd(g),
		versionCmd(g),
	)

	return root.ExecuteContext(ctx)
}

func versionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd.OutOrStdout(), g.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return printJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty that exact path is used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errUsage marks argument problems that cobra's validators can't express.
var errUsage = errors.New("usage")
