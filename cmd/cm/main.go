// Command cm is the communication manager process entrypoint: it loads
// configuration, wires every collaborator (C1-C11), and runs them as named
// tasks in a signal-aware group until shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags, matching the teacher's
// cmd/traffic build convention.
var version = "(unknown version)"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cm",
		Short: "Communication manager: edge orchestration between a cloud control plane and a fleet of Service Managers.",
		Long:  "Communication manager mediates between a cloud control plane and a fleet of node-resident Service Manager processes: cloud link state machine, SM fleet gRPC server, per-provider network allocation, and certificate rotation.",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the communication manager.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config overlay")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the communication manager version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	cmd.AddCommand(runCmd, versionCmd)

	return cmd
}
