package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"devosphere.org/internal/auth"
)

func newUserCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Account management commands",
	}
	cmd.AddCommand(
		newUserCreateCommand(r),
		newUserListCommand(r),
		newUserGrantCommand(r),
		newUserRoleCommand(r),
		newUserDeleteCommand(r),
	)
	return cmd
}

func newUserCreateCommand(r *runner) *cobra.Command {
	var in auth.RegisterInput

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				u, err := e.Register(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s, role %s)\n", u.ID, u.Email, u.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.Password, "password", "", "initial password")
	cmd.Flags().StringVar(&in.Role, "role", string(auth.RoleUser), "role: user, manager or admin")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUserListCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				users, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEMAIL\tROLE\tPERMISSIONS")
				for _, u := range users {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Role, strings.Join(u.Permissions, ","))
				}
				return w.Flush()
			})
		},
	}
}

func newUserGrantCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <user-id> [permission...]",
		Short: "Replace the permission set of an account",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				u, err := e.SetUserPermissions(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now holds [%s]\n", u.Email, strings.Join(u.Permissions, ", "))
				return nil
			})
		},
	}
}

func newUserRoleCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "Change the role of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				role := args[1]
				u, err := e.UpdateUser(ctx, args[0], auth.UpdateUserInput{Role: &role})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Email, u.Role)
				return nil
			})
		},
	}
}

func newUserDeleteCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete an account and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				if err := e.DeleteUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
