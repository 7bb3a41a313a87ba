// Package config loads process settings from defaults, an optional config
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"devosphere.org/internal/auth"
)

const envPrefix = "DEVOSPHERE"

// Supported values for db.driver.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Postgres struct {
	DSN          string
	MaxOpenConns int
}

type Mongo struct {
	URI          string
	Database     string
	Transactions bool
}

type DB struct {
	Driver      string
	Postgres    Postgres
	Mongo       Mongo
	AutoMigrate bool
	Timeout     time.Duration
}

type JWT struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type HTTP struct {
	Addr          string
	RateBurst     int
	RatePerSecond float64
	TrustProxy    bool
}

type Config struct {
	DB                DB
	JWT               JWT
	BcryptCost        int
	ReuseRevokesChain bool
	HTTP              HTTP
	GRPCAddr          string
	LogLevel          string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.postgres.max_open_conns", 10)
	v.SetDefault("db.mongo.database", "devosphere")
	v.SetDefault("db.mongo.transactions", false)
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("db.timeout", 5*time.Second)
	v.SetDefault("jwt.issuer", auth.DefaultIssuer)
	v.SetDefault("jwt.access_ttl", 15*time.Minute)
	v.SetDefault("jwt.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("password.bcrypt_cost", auth.DefaultBcryptCost)
	v.SetDefault("auth.reuse_revokes_chain", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_burst", 10)
	v.SetDefault("http.rate_per_second", 5.0)
	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("log.level", "info")
}

// legacyEnv maps keys to the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"jwt.secret":        "JWT_SECRET",
	"db.postgres.dsn":   "PG_URI",
	"db.mongo.uri":      "MONGO_URI",
	"db.driver":         "DB_DRIVER",
	"db.mongo.database": "MONGO_DB",
}

// Load reads configuration. An empty path searches for config.{yaml,json,toml}
// in the working directory and /etc/devosphere and tolerates its absence; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/devosphere")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		DB: DB{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("db.driver"))),
			Postgres: Postgres{
				DSN:          v.GetString("db.postgres.dsn"),
				MaxOpenConns: v.GetInt("db.postgres.max_open_conns"),
			},
			Mongo: Mongo{
				URI:          v.GetString("db.mongo.uri"),
				Database:     v.GetString("db.mongo.database"),
				Transactions: v.GetBool("db.mongo.transactions"),
			},
			AutoMigrate: v.GetBool("db.auto_migrate"),
			Timeout:     v.GetDuration("db.timeout"),
		},
		JWT: JWT{
			Secret:     v.GetString("jwt.secret"),
			Issuer:     v.GetString("jwt.issuer"),
			AccessTTL:  v.GetDuration("jwt.access_ttl"),
			RefreshTTL: v.GetDuration("jwt.refresh_ttl"),
		},
		BcryptCost:        v.GetInt("password.bcrypt_cost"),
		ReuseRevokesChain: v.GetBool("auth.reuse_revokes_chain"),
		HTTP: HTTP{
			Addr:          v.GetString("http.addr"),
			RateBurst:     v.GetInt("http.rate_burst"),
			RatePerSecond: v.GetFloat64("http.rate_per_second"),
			TrustProxy:    v.GetBool("http.trust_proxy"),
		},
		GRPCAddr: v.GetString("grpc.addr"),
		LogLevel: v.GetString("log.level"),
	}

	// REFRESH_TTL_DAYS predates duration strings and wins when set.
	if err := v.BindEnv("legacy_refresh_ttl_days", "REFRESH_TTL_DAYS"); err != nil {
		return nil, fmt.Errorf("bind refresh ttl days: %w", err)
	}
	if v.IsSet("legacy_refresh_ttl_days") {
		days := v.GetInt("legacy_refresh_ttl_days")
		if days <= 0 {
			return nil, fmt.Errorf("%w: REFRESH_TTL_DAYS must be positive", auth.ErrConfiguration)
		}
		cfg.JWT.RefreshTTL = time.Duration(days) * 24 * time.Hour
	}
	return cfg, nil
}

// Validate reports settings the process cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.JWT.Secret == "" {
		problems = append(problems, "jwt.secret is required")
	}
	if c.JWT.AccessTTL <= 0 {
		problems = append(problems, "jwt.access_ttl must be positive")
	}
	if c.JWT.RefreshTTL <= 0 {
		problems = append(problems, "jwt.refresh_ttl must be positive")
	}
	if c.DB.Timeout <= 0 {
		problems = append(problems, "db.timeout must be positive")
	}
	if c.BcryptCost < auth.MinBcryptCost {
		problems = append(problems, fmt.Sprintf("password.bcrypt_cost must be at least %d", auth.MinBcryptCost))
	}
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.Postgres.DSN == "" {
			problems = append(problems, "db.postgres.dsn is required for the postgres driver")
		}
	case DriverMongo:
		if c.DB.Mongo.URI == "" {
			problems = append(problems, "db.mongo.uri is required for the mongo driver")
		}
		if c.DB.Mongo.Database == "" {
			problems = append(problems, "db.mongo.database is required for the mongo driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown db.driver %q", c.DB.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", auth.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
