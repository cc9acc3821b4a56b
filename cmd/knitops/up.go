package main

import (
	"errors"
	"fmt"

	"github.com/opst/knitops/pkg/interrupt"
	"github.com/spf13/cobra"
)

func newUpCmd(g *globalFlags) *cobra.Command {
	w := &workspaceFlags{}
	exclusive := false
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Deploy the project of the manifest",
		Long: `Deploy the project of the manifest.

When the project is deployed already, apps not running yet are started.
Interrupting (Ctrl+C) cancels deploying, and apps started by this command are removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := w.load()
			if err != nil {
				return err
			}
			cli, err := g.client()
			if err != nil {
				return err
			}

			h := interrupt.Acquire(cmd.Context(), interrupt.WithReraise())
			defer releaseInterrupt(cmd, h)

			out := cmd.OutOrStdout()
			ev, err := cli.Deploy(h.Context(), m, exclusive, func(line string) {
				fmt.Fprint(out, line)
			})
			if h.Interrupted() {
				return errors.New("interrupted")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "project %s is up\n", ev.ID)
			return nil
		},
	}
	w.register(cmd)
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "fail if the project is deployed already")
	return cmd
}
