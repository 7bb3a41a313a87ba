package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devosphere.org/internal/auth"
)

func newTokensCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Refresh token maintenance",
	}
	cmd.AddCommand(newTokensPruneCommand(r))
	return cmd
}

func newTokensPruneCommand(r *runner) *cobra.Command {
	var retain time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete revoked refresh tokens that expired before the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withEngine(cmd, func(ctx context.Context, e *auth.Engine) error {
				n, err := e.PruneRefreshTokens(ctx, retain)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d refresh tokens\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&retain, "retain", 24*time.Hour, "keep expired tokens this long for reuse detection")
	return cmd
}
