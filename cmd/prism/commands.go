package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nugget/prism/internal/engine"
	"github.com/nugget/prism/internal/facts"
	"github.com/nugget/prism/internal/snapshot"
	"github.com/nugget/prism/internal/usage"
)

func askCmd(g *globals) *cobra.Command {
	var extra string
	cmd := &cobra.Command{
		Use:   "ask <subject> <message...>",
		Short: "Run a single cycle and print the result",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var extraCtx map[string]any
			if extra != "" {
				if err := json.Unmarshal([]byte(extra), &extraCtx); err != nil {
					return fmt.Errorf("%w: --context must be a JSON object: %v", errUsage, err)
				}
			}
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				res, err := a.engine.RunCycle(cmd.Context(), args[0], strings.Join(args[1:], " "), extraCtx)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				return printResult(cmd.OutOrStdout(), g.output, res)
			})
		},
	}
	cmd.Flags().StringVar(&extra, "context", "", "extra cycle context as a JSON object")
	return cmd
}

func resumeCmd(g *globals) *cobra.Command {
	var (
		deny  bool
		note  string
		value string
	)
	cmd := &cobra.Command{
		Use:   "resume <snapshot-id>",
		Short: "Approve or deny a paused cycle and run it to its next stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid snapshot id %q: %w", args[0], err)
			}
			dec := engine.Decision{Approved: !deny, Note: note}
			if value != "" {
				if deny {
					return fmt.Errorf("%w: --value only applies to approvals", errUsage)
				}
				if err := json.Unmarshal([]byte(value), &dec.Value); err != nil {
					return fmt.Errorf("%w: --value must be JSON: %v", errUsage, err)
				}
			}
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				res, err := a.engine.ResumeCycle(cmd.Context(), id, dec)
				if err != nil {
					return fmt.Errorf("resume: %w", err)
				}
				return printResult(cmd.OutOrStdout(), g.output, res)
			})
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of approve")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	cmd.Flags().StringVar(&value, "value", "", "JSON value handed to the program as the call's result")
	return cmd
}

func pendingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <subject>",
		Short: "List snapshots awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				snaps, err := a.snapshots.ListPending(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printSnapshots(cmd.OutOrStdout(), g.output, snaps)
			})
		},
	}
}

func tenantCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage subjects",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <id> [name]",
		Short: "Register a subject",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if len(args) == 2 {
				name = args[1]
			}
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				t, err := a.tenants.Add(cmd.Context(), args[0], name)
				if err != nil {
					return err
				}
				if g.output == "json" {
					return printJSON(cmd.OutOrStdout(), t)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added tenant %s (%s)\n", t.ID, t.Name)
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List subjects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				tenants, err := a.tenants.List(cmd.Context())
				if err != nil {
					return err
				}
				if g.output == "json" {
					return printJSON(cmd.OutOrStdout(), tenants)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tCREATED")
				for _, t := range tenants {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Name, t.CreatedAt.Format("2006-01-02"))
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func factsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Maintain the fact store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Supersede duplicate active facts, keeping the newest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				n, err := a.facts.Repair(cmd.Context())
				if err != nil {
					return err
				}
				if g.output == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]int{"repaired": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Repaired %d facts\n", n)
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "history <subject> <layer> <entity>",
		Short: "Show every version of a fact, newest first",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer, err := facts.ParseLayer(args[1])
			if err != nil {
				return err
			}
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				versions, err := a.facts.History(cmd.Context(), args[0], layer, args[2])
				if err != nil {
					return err
				}
				if g.output == "json" {
					if versions == nil {
						versions = []facts.Fact{}
					}
					return printJSON(cmd.OutOrStdout(), versions)
				}
				if len(versions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No facts recorded")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tCONFIDENCE\tCREATED\tCONTENT")
				for _, f := range versions {
					state := "active"
					if f.Superseded {
						state = "superseded"
					}
					fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n", f.ID, state, f.Confidence, f.CreatedAt.Format("2006-01-02 15:04"), f.Content)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func undoCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "undo <entry-id>",
		Short: "Revert an advisory action inside its reversal window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q: %w", args[0], err)
			}
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				entry, err := a.ledger.Undo(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("undo: %w", err)
				}
				if g.output == "json" {
					return printJSON(cmd.OutOrStdout(), entry)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Undid %s (%s)\n", entry.Capability, entry.ID)
				return nil
			})
		},
	}
}

// printResult writes a cycle result. Text output leads with the status
// and then whatever the operator needs next.
func printResult(w io.Writer, outputFmt string, res *engine.Result) error {
	if outputFmt == "json" {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "cycle %s: %s (%d steps, %s)\n", res.CycleID, res.Status, res.Steps, res.Duration.Round(time.Millisecond))
	switch res.Status {
	case engine.StatusCompleted:
		out, err := json.MarshalIndent(res.Output, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	case engine.StatusPaused:
		fmt.Fprintf(w, "awaiting approval: %s\n", res.SnapshotID)
		if res.Approval != nil {
			fmt.Fprintln(w, res.Approval.Describe())
		}
	case engine.StatusFailed:
		fmt.Fprintf(w, "%s: %s\n", res.FailureKind, res.Error)
	}
	return nil
}

func printSnapshots(w io.Writer, outputFmt string, snaps []*snapshot.Snapshot) error {
	if outputFmt == "json" {
		if snaps == nil {
			snaps = []*snapshot.Snapshot{}
		}
		return printJSON(w, snaps)
	}
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No pending approvals")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIER\tCAPABILITY\tCREATED\tDESCRIPTION")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.ID, s.Tier, s.PendingName, s.CreatedAt.Format("2006-01-02 15:04"), s.Description)
	}
	return tw.Flush()
}

func usageCmd(g *globals) *cobra.Command {
	var (
		days   int
		cycles bool
	)
	cmd := &cobra.Command{
		Use:   "usage [subject]",
		Short: "Summarize model token usage and cost",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("%w: --days must be at least 1", errUsage)
			}
			subject := ""
			if len(args) == 1 {
				subject = args[0]
			}
			end := time.Now()
			start := end.AddDate(0, 0, -days)
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				total, err := a.usage.Summary(cmd.Context(), subject, start, end)
				if err != nil {
					return err
				}
				byModel, err := a.usage.SummaryByModel(cmd.Context(), subject, start, end)
				if err != nil {
					return err
				}
				byCycle, err := a.usage.SummaryByCycle(cmd.Context(), subject, start, end)
				if err != nil {
					return err
				}
				if g.output == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"subject":  subject,
						"days":     days,
						"total":    total,
						"by_model": byModel,
						"by_cycle": byCycle,
					})
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MODEL\tCALLS\tINPUT\tOUTPUT\tCOST")
				for _, model := range slices.Sorted(maps.Keys(byModel)) {
					printSummary(tw, model, byModel[model])
				}
				printSummary(tw, "total", total)
				if cycles && len(byCycle) > 0 {
					fmt.Fprintln(tw)
					fmt.Fprintln(tw, "CYCLE\tCALLS\tINPUT\tOUTPUT\tCOST")
					for _, id := range slices.Sorted(maps.Keys(byCycle)) {
						printSummary(tw, id, byCycle[id])
					}
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "how many days back to summarize")
	cmd.Flags().BoolVar(&cycles, "cycles", false, "also break usage down per cycle")
	return cmd
}

func printSummary(w io.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.4f\n", label, s.Records, s.InputTokens, s.OutputTokens, s.CostUSD)
}
