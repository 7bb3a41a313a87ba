package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devosphere.org/internal/healthcheck"
)

func newHealthCommand() *cobra.Command {
	var (
		addr    string
		service string
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running authority over gRPC health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := healthcheck.Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				if err := c.Wait(ctx, service, 500*time.Millisecond); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			ok, err := c.Check(ctx, service)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not serving", addr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "gRPC address of the authority")
	cmd.Flags().StringVar(&service, "service", "devosphere-authority", "health service name")
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll until serving or this long has passed")
	return cmd
}
