package main

import (
	"fmt"
	"os"

	"github.com/opst/knitops/pkg/api/client"
	"github.com/opst/knitops/pkg/interrupt"
	"github.com/spf13/cobra"
)

const (
	envServer = "KNITOPS_SERVER"
	envToken  = "KNITOPS_TOKEN"

	defaultServer   = "http://localhost:8080"
	defaultManifest = "knitops.yaml"
)

type globalFlags struct {
	server string
	token  string
}

func (g *globalFlags) client() (*client.Client, error) {
	return client.New(g.server, g.token)
}

func releaseInterrupt(cmd *cobra.Command, h *interrupt.Handle) {
	h.Release()
	if err := h.RaiseErr(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", err)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "knitops",
		Short: "Deploy projects of containerized apps onto Kubernetes or Docker Swarm",
		Long: `knitops deploys a project, a set of apps declared in a manifest,
into its own network (a namespace or an overlay network), starting apps
in the order of their dependencies. It also tears projects down and
follows logs of every app in one stream.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "knitops version %s\n" .Version}}`)

	server := os.Getenv(envServer)
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&g.server, "server", server, "url of knitops server (env: "+envServer+")")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv(envToken), "bearer token for knitops server (env: "+envToken+")")

	root.AddCommand(newUpCmd(g))
	root.AddCommand(newDownCmd(g))
	root.AddCommand(newLogsCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newLabelsCmd(g))
	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())
	return root
}
