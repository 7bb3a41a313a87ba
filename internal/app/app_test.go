package app

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/auth/authtest"
	"devosphere.org/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		DB:         config.DB{Driver: config.DriverPostgres, Postgres: config.Postgres{DSN: "postgres://unused"}, Timeout: time.Second},
		JWT:        config.JWT{Secret: "s3cret", Issuer: "test-issuer", AccessTTL: 2 * time.Minute, RefreshTTL: time.Hour},
		BcryptCost: auth.MinBcryptCost,
	}
}

func TestNewEngineAppliesConfig(t *testing.T) {
	log, _ := test.NewNullLogger()
	store := authtest.NewMemoryStore()

	engine, err := NewEngine(testConfig(), store, log)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = engine.Register(ctx, auth.RegisterInput{Name: "Ann", Email: "ann@example.com", Password: "Passw0rd!"})
	require.NoError(t, err)
	res, err := engine.Login(ctx, "ann@example.com", "Passw0rd!", auth.TokenMeta{})
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().Add(2*time.Minute), res.AccessExpiresAt, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(time.Hour), res.RefreshExpiresAt, 5*time.Second)

	claims, err := engine.VerifyAccessToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "test-issuer", claims.Issuer)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := testConfig()
	cfg.JWT.Secret = ""

	_, _, err := Open(context.Background(), cfg, log)
	assert.ErrorIs(t, err, auth.ErrConfiguration)
}
