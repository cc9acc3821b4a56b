package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/opst/knitops/pkg/api/types/projects"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
	"github.com/spf13/cobra"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	w := &workspaceFlags{}
	owner := ""
	all := false
	cmd := &cobra.Command{
		Use:   "status [PROJECT_KEY]",
		Short: "Show instances of apps in a project",
		Long: `Show instances of apps in a project.

With --all, projects registered in the server are listed instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := g.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if all {
				ps, err := cli.List(ctx, owner)
				if err != nil {
					return err
				}
				return printProjects(out, ps)
			}

			key, err := w.key(args)
			if err != nil {
				return err
			}
			detail, err := cli.Get(ctx, key)
			if err != nil {
				return err
			}
			statuses := []projects.AppStatus{}
			for _, app := range slices.Sorted(maps.Keys(detail.Apps)) {
				s, err := cli.AppStatus(ctx, key, app)
				if errors.Is(err, kerr.ErrAppNotRunning) {
					s = projects.AppStatus{App: app}
				} else if err != nil {
					return err
				}
				statuses = append(statuses, s)
			}
			fmt.Fprintf(out, "project %s (%s)\n", detail.Name, detail.Key)
			return printStatuses(out, statuses, time.Now())
		},
	}
	w.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "list projects")
	cmd.Flags().StringVar(&owner, "owner", "", "with --all, list only projects of the owner")
	return cmd
}

func printProjects(out io.Writer, ps []projects.Detail) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tVERSION\tOWNER\tAPPS")
	for _, p := range ps {
		fmt.Fprintf(
			tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Key, p.Name,
			orDash(p.Labels[domain.LabelVersion]),
			orDash(p.Labels[domain.LabelOwner]),
			strings.Join(slices.Sorted(maps.Keys(p.Apps)), ","),
		)
	}
	return tw.Flush()
}

func printStatuses(out io.Writer, statuses []projects.AppStatus, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tINSTANCE\tPHASE\tRESTARTS\tAGE\tNODE")
	for _, s := range statuses {
		if len(s.Instances) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", s.App)
			continue
		}
		for _, i := range s.Instances {
			fmt.Fprintf(
				tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				s.App, i.Name, i.Phase, i.Restarts,
				now.Sub(i.CreatedAt).Truncate(time.Second), orDash(i.Node),
			)
		}
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
