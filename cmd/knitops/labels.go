package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

func newLabelsCmd(g *globalFlags) *cobra.Command {
	w := &workspaceFlags{}
	cmd := &cobra.Command{
		Use:   "labels [PROJECT_KEY] KEY=VALUE... KEY-...",
		Short: "Update labels of a project",
		Long: `Update labels of a project.

KEY=VALUE sets a label, and KEY- removes it.
Labels identifying the project can not be changed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyArgs := []string{}
			if !isLabelArg(args[0]) {
				keyArgs, args = args[:1], args[1:]
			}
			key, err := w.key(keyArgs)
			if err != nil {
				return err
			}
			labels, err := parseLabelArgs(args)
			if err != nil {
				return err
			}
			cli, err := g.client()
			if err != nil {
				return err
			}
			detail, err := cli.UpdateLabels(cmd.Context(), key, labels)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range slices.Sorted(maps.Keys(detail.Labels)) {
				fmt.Fprintf(out, "%s=%s\n", k, detail.Labels[k])
			}
			return nil
		},
	}
	w.register(cmd)
	return cmd
}

func isLabelArg(arg string) bool {
	return strings.Contains(arg, "=") || strings.HasSuffix(arg, "-")
}

// parseLabelArgs converts KEY=VALUE and KEY- into a label update.
// Removed labels map to an empty value.
func parseLabelArgs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no labels are given")
	}
	labels := map[string]string{}
	for _, arg := range args {
		if k, v, ok := strings.Cut(arg, "="); ok {
			if k == "" {
				return nil, fmt.Errorf("bad label: %q", arg)
			}
			labels[k] = v
			continue
		}
		if k, ok := strings.CutSuffix(arg, "-"); ok && k != "" {
			labels[k] = ""
			continue
		}
		return nil, fmt.Errorf("bad label: %q (KEY=VALUE or KEY- is expected)", arg)
	}
	return labels, nil
}
