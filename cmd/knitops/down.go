package main

import (
	"fmt"

	"github.com/opst/knitops/pkg/interrupt"
	"github.com/spf13/cobra"
)

func newDownCmd(g *globalFlags) *cobra.Command {
	w := &workspaceFlags{}
	cmd := &cobra.Command{
		Use:   "down [PROJECT_KEY]",
		Short: "Tear down a project",
		Long: `Tear down a project: remove its apps and its network, and unregister it.
Logs of apps are archived, so "knitops logs" shows them after teardown.

Without PROJECT_KEY, the project of the manifest is torn down.
Tearing down is not interrupted by Ctrl+C.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := w.key(args)
			if err != nil {
				return err
			}
			cli, err := g.client()
			if err != nil {
				return err
			}

			h := interrupt.Acquire(cmd.Context(), interrupt.WithReraise())
			defer releaseInterrupt(cmd, h)
			h.Block()
			defer h.Unblock()

			out := cmd.OutOrStdout()
			if _, err := cli.Teardown(h.Context(), key, func(line string) {
				fmt.Fprint(out, line)
			}); err != nil {
				return err
			}
			fmt.Fprintf(out, "project %s is down\n", key)
			return nil
		},
	}
	w.register(cmd)
	return cmd
}
