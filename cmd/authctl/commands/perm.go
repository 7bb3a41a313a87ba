package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"devosphere.org/internal/auth"
)

func newPermCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perm",
		Short: "Permission catalog commands",
	}
	cmd.AddCommand(
		newPermAddCommand(r),
		newPermListCommand(r),
		newPermRemoveCommand(r),
		newPermSeedCommand(r),
	)
	return cmd
}

func newPermAddCommand(r *runner) *cobra.Command {
	var label, description string

	cmd := &cobra.Command{
		Use:   "add <key>",
		Short: "Add a permission to the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				p, err := e.CreatePermission(ctx, args[0], label, description)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", p.Key)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "human readable label")
	cmd.Flags().StringVarP(&description, "description", "d", "", "longer description")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func newPermListCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				entries, err := e.ListPermissions(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tLABEL\tDESCRIPTION")
				for _, p := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", p.Key, p.Label, p.Description)
				}
				return w.Flush()
			})
		},
	}
}

func newPermRemoveCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a permission from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				if err := e.RemovePermission(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newPermSeedCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the builtin permissions that are missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				if err := e.EnsureBuiltinPermissions(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "catalog holds %d builtin permissions\n", len(auth.BuiltinPermissions))
				return nil
			})
		},
	}
}
