package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	composeFile string
	// inStack sends operational commands to the docctl inside the compose
	// server container.
	inStack bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "docctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docctl",
		Short: "Document sync operations and development CLI",
		Long: `docctl runs the development stack (compose build/up/down/logs, tests, binaries)
and the operational tasks of the service: revision keys, document service commands
and upload session cleanup. Operational commands read the same DOCSYNC_* environment
as the server, or with --stack the environment of the compose server container.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.PersistentFlags().BoolVar(&inStack, "stack", false, "Run operational commands against the compose stack")
	cmd.AddCommand(
		newBuildCmd(),
		newUpCmd(),
		newDownCmd(),
		newLogsCmd(),
		newTestCmd(),
		newRunCmd(),
		newKeyCmd(),
		newSubmitKeyCmd(),
		newEditorCmd(),
		newUploadsCmd(),
	)
	return cmd
}
