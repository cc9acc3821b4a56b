package main

import (
	"fmt"
	"time"

	"github.com/opst/knitops/pkg/auth"
	"github.com/opst/knitops/pkg/configs/server"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	configPath := ""
	ttl := 24 * time.Hour
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a token for knitops server",
		Long: `Issue a bearer token signed with the secret in the server config.

SUBJECT becomes the owner of projects deployed with the token.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := server.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("can not read configuration: %w", err)
			}
			authority, err := auth.New(conf.Auth().Kid(), conf.Auth().Secret())
			if err != nil {
				return err
			}
			token, err := authority.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "knitops-server.yaml", "path to the server config")
	cmd.Flags().DurationVar(&ttl, "ttl", ttl, "lifetime of the token. 0 never expires")
	return cmd
}
