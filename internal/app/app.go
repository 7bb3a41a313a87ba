// Package app wires configuration into a ready-to-use engine.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/config"
	"devosphere.org/internal/store"
)

// NewEngine builds the codec and engine for cfg on top of st. Extra options
// are applied after the configured ones.
func NewEngine(cfg *config.Config, st auth.Store, log logrus.FieldLogger, extra ...auth.EngineOption) (*auth.Engine, error) {
	codec, err := auth.NewCodec(cfg.JWT.Secret,
		auth.WithCodecIssuer(cfg.JWT.Issuer),
		auth.WithAccessTTL(cfg.JWT.AccessTTL),
	)
	if err != nil {
		return nil, err
	}
	opts := []auth.EngineOption{
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL),
		auth.WithBcryptCost(cfg.BcryptCost),
		auth.WithStoreTimeout(cfg.DB.Timeout),
		auth.WithReuseRevocation(cfg.ReuseRevokesChain),
		auth.WithLogger(log),
	}
	return auth.NewEngine(st, codec, append(opts, extra...)...)
}

// Open validates cfg, connects the configured backend and builds the engine.
// The caller owns the returned store and must close it.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, extra ...auth.EngineOption) (*auth.Engine, auth.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.DB, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	engine, err := NewEngine(cfg, st, log, extra...)
	if err != nil {
		_ = st.Close(ctx)
		return nil, nil, err
	}
	return engine, st, nil
}
