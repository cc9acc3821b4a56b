package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opst/knitops/pkg/api/client"
	"github.com/opst/knitops/pkg/api/types/logs"
	"github.com/opst/knitops/pkg/interrupt"
	"github.com/spf13/cobra"
)

func newLogsCmd(g *globalFlags) *cobra.Command {
	w := &workspaceFlags{}
	q := client.LogQuery{}
	var names []string
	cmd := &cobra.Command{
		Use:   "logs [PROJECT_KEY]",
		Short: "Show logs of apps in a project",
		Long: `Show logs of apps in a project, merged in the order of timestamps.

With --follow, new lines are shown as they arrive until interrupted.`,
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
			q.Names = names

			h := interrupt.Acquire(cmd.Context())
			defer h.Release()

			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			err = cli.Logs(h.Context(), key, q, func(r logs.Record) error {
				out := stdout
				if r.Stderr {
					out = stderr
				}
				_, err := io.WriteString(out, formatRecord(r))
				return err
			})
			if h.Interrupted() {
				return nil
			}
			return err
		},
	}
	w.register(cmd)
	cmd.Flags().IntVar(&q.Tail, "tail", -1, "number of lines from the end of each log. negative shows all")
	cmd.Flags().BoolVar(&q.Follow, "follow", false, "keep streaming new lines")
	cmd.Flags().BoolVar(&q.Timestamps, "timestamps", false, "show timestamps")
	cmd.Flags().StringSliceVar(&names, "name", nil, "show only logs of these apps or instances")
	return cmd
}

// formatRecord renders a record as "name | line".
func formatRecord(r logs.Record) string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "%-*s | ", r.NameWidth, r.Name)
	if r.Timestamp != nil {
		b.WriteString(r.Timestamp.Format(time.RFC3339Nano))
		b.WriteString(" ")
	}
	b.WriteString(r.Stream)
	if !strings.HasSuffix(r.Stream, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}
