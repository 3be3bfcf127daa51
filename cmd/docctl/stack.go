package main

import (
	"context"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func compose(args ...string) []string {
	return append([]string{"compose", "-f", composeFile}, args...)
}

// stackExec is the argv that runs docctl with args in the server container.
func stackExec(args ...string) []string {
	return compose(append([]string{"exec", "-T", "server", "docctl"}, args...)...)
}

func runInStack(ctx context.Context, args ...string) error {
	return runCommand(ctx, "docker", stackExec(args...)...)
}

func newBuildCmd() *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:   "build [service...]",
		Short: "Build the server and worker images",
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := compose("build")
			if noCache {
				argv = append(argv, "--no-cache")
			}
			return runCommand(cmd.Context(), "docker", append(argv, args...)...)
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Build without the layer cache")
	return cmd
}

func newUpCmd() *cobra.Command {
	var detach, skipBuild bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start Postgres, Redis, MinIO, the server and the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := compose("up")
			if !skipBuild {
				argv = append(argv, "--build")
			}
			if detach {
				argv = append(argv, "-d")
			}
			return runCommand(cmd.Context(), "docker", append(argv, args...)...)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detached", "d", true, "Return once containers are started")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Start from existing images")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the stack",
		RunE: func(cmd *cobra.Command, _ []string) error {
			argv := compose("down")
			if removeVolumes {
				argv = append(argv, "-v")
			}
			return runCommand(cmd.Context(), "docker", argv...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Also delete the Postgres and MinIO volumes")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := compose("logs")
			if follow {
				argv = append(argv, "--follow")
			}
			return runCommand(cmd.Context(), "docker", append(argv, args...)...)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream logs continuously")
	return cmd
}

func newTestCmd() *cobra.Command {
	var race, cover bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		Long: `Run Go tests. Postgres and Redis integration tests run only when
DOCSYNC_TEST_DATABASE_URL and DOCSYNC_TEST_REDIS_ADDR are set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgs := args
			if len(pkgs) == 0 {
				pkgs = []string{"./..."}
			}
			argv := []string{"test"}
			if race {
				argv = append(argv, "-race")
			}
			if cover {
				argv = append(argv, "-cover")
			}
			return runCommand(cmd.Context(), "go", append(argv, pkgs...)...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Run with -race")
	cmd.Flags().BoolVar(&cover, "cover", false, "Report coverage per package")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a binary with go run",
	}
	cmd.AddCommand(
		newServiceRunner("server", "./cmd/server"),
		newServiceRunner("worker", "./cmd/worker"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: "go run " + path,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), "go", append([]string{"run", path}, args...)...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	c := exec.CommandContext(ctx, name, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Stdin = os.Stdin
	return c.Run()
}
