package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// pingTimeout bounds each provider check.
const pingTimeout = 10 * time.Second

// check is one line of doctor output.
type check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

var errChecksFailed = errors.New("one or more checks failed")

func doctorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database and model providers",
		Long: `Check config, database and model providers.
Loads the config, opens and migrates the database, then pings every
model provider a tier is bound to.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(g, cmd.ErrOrStderr(), func(a *app) error {
				checks := runChecks(cmd.Context(), a)
				if err := printChecks(cmd.OutOrStdout(), g.output, checks); err != nil {
					return err
				}
				for _, c := range checks {
					if !c.OK {
						return errChecksFailed
					}
				}
				return nil
			})
		},
	}
}

// runChecks assumes the app opened, so config and database already
// passed; it reports them alongside the provider pings.
func runChecks(ctx context.Context, a *app) []check {
	checks := []check{
		{Name: "config", OK: true, Detail: "data_dir " + a.cfg.DataDir},
		{Name: "database", OK: true, Detail: a.cfg.Database.Driver + " " + a.cfg.Database.Path},
		{Name: "tiers", OK: len(a.router.Tiers()) > 0, Detail: strings.Join(a.router.Tiers(), ", ")},
		{Name: "capabilities", OK: len(a.registry.Names()) > 0, Detail: fmt.Sprintf("%d registered", len(a.registry.Names()))},
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := a.router.Ping(pctx); err != nil {
		checks = append(checks, check{Name: "providers", Detail: err.Error()})
	} else {
		checks = append(checks, check{Name: "providers", OK: true, Detail: strings.Join(a.router.Providers(), ", ")})
	}
	return checks
}

func printChecks(w io.Writer, outputFmt string, checks []check) error {
	if outputFmt == "json" {
		return printJSON(w, checks)
	}
	for _, c := range checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %-13s %s\n", mark, c.Name, c.Detail)
	}
	return nil
}
