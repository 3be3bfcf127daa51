package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/app"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/config"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/keys"
)

// withApp builds the service graph from the environment for one command.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, config.SetupLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newKeyCmd() *cobra.Command {
	var submit bool
	cmd := &cobra.Command{
		Use:   "key <file-id>",
		Short: "Print the revision key of a file's current edit session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				f, err := a.Files.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				key := a.Callbacks.CurrentKey(f)
				if submit {
					if key, err = keys.MakeSubmitKey(key); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&submit, "submit", false, "Print a fresh submit key instead")
	return cmd
}

func newSubmitKeyCmd() *cobra.Command {
	var check string
	cmd := &cobra.Command{
		Use:   "submit-key <document-key>",
		Short: "Derive a submit key from a document key, or check one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if check != "" {
				if !keys.IsSubmitKey(args[0], check) {
					return errors.New("not a submit key of the given document key")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			key, err := keys.MakeSubmitKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().StringVar(&check, "check", "", "Candidate key to verify against the document key")
	return cmd
}

func newEditorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "editor",
		Short: "Talk to the document service",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the document service version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), func(a *app.App) error {
					v, err := a.Editor.Version(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), v)
					return nil
				})
			},
		},
		newEditorDropCmd(),
	)
	return cmd
}

func newEditorDropCmd() *cobra.Command {
	var caller string
	cmd := &cobra.Command{
		Use:   "drop <file-id> [principal...]",
		Short: "Disconnect editors from a file; all of them when none are named",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inStack {
				return runInStack(cmd.Context(), append([]string{"editor", "drop", "--as", caller}, args...)...)
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				return a.Editing.DropUsers(cmd.Context(), caller, args[0], args[1:])
			})
		},
	}
	cmd.Flags().StringVar(&caller, "as", "docctl", "Principal the drop is performed as")
	return cmd
}

func newUploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Manage upload sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove expired upload sessions and their partial data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if inStack {
				return runInStack(cmd.Context(), "uploads", "purge")
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Uploads.PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions\n", n)
				return nil
			})
		},
	})
	return cmd
}
