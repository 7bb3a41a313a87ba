package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"devosphere.org/internal/config"
	"devosphere.org/internal/migrate"
	"devosphere.org/internal/obs"
	"devosphere.org/internal/store/pg"
)

func main() {
	log := obs.Logger()
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "", "path to config file")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides db.postgres.dsn)")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-config file] [-dsn dsn] up|down|seed|status")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if *dsn == "" {
		*dsn = cfg.DB.Postgres.DSN
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn, db.postgres.dsn or PG_URI")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := pg.Open(*dsn, 2, pg.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer st.Close(ctx)

	mgr := st.Migrator(migrate.WithLogger(log))

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNoMigrations) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Println("rolled back", name)
		}
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
}
