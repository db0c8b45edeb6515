package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Durable workflow orchestration engine",
		Long:          "relayd runs workflow definitions as durable executions: every state change is persisted before it is acted on, so executions survive crashes and restarts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./relay.yaml, then ~/.relay/relay.yaml)")

	root.AddCommand(serveCmd(), validateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}
