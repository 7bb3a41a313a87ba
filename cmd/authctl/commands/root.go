package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devosphere.org/internal/app"
	"devosphere.org/internal/auth"
	"devosphere.org/internal/config"
	"devosphere.org/internal/obs"
)

// Opener builds an engine for a single command run. The returned func
// releases the backing store.
type Opener func(ctx context.Context, configPath string) (*auth.Engine, func(), error)

// OpenFromConfig loads configuration from configPath and connects the
// configured store.
func OpenFromConfig(ctx context.Context, configPath string) (*auth.Engine, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := obs.Logger()
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return nil, nil, err
	}
	engine, st, err := app.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(cctx)
	}
	return engine, release, nil
}

type runner struct {
	open       Opener
	configPath string
	timeout    time.Duration
}

// withEngine runs fn with a freshly opened engine bounded by the command
// timeout.
func (r *runner) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *auth.Engine) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), r.timeout)
	defer cancel()
	engine, release, err := r.open(ctx, r.configPath)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, engine)
}

// NewRootCommand creates the authctl command tree.
func NewRootCommand(open Opener) *cobra.Command {
	r := &runner{open: open}

	cmd := &cobra.Command{
		Use:           "authctl",
		Short:         "Administer the devosphere credential authority",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&r.configPath, "config", "c", "", "config file path")
	cmd.PersistentFlags().DurationVar(&r.timeout, "timeout", 30*time.Second, "overall command timeout")

	cmd.AddCommand(
		newUserCommand(r),
		newPermCommand(r),
		newTokensCommand(r),
		newHealthCommand(),
	)
	return cmd
}
