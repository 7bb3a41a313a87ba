package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"devosphere.org/internal/app"
	"devosphere.org/internal/auth"
	"devosphere.org/internal/config"
	"devosphere.org/internal/httpapi"
	"devosphere.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml, json or toml)")
	flag.Parse()

	log := obs.Logger()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("load .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("invalid log level, keeping info")
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, st, err := app.Open(ctx, cfg, log, auth.WithMetrics(obs.NewAuthMetrics(prometheus.DefaultRegisterer)))
	if err != nil {
		log.WithError(err).Fatal("start engine")
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(cctx)
	}()

	if err := engine.EnsureBuiltinPermissions(ctx); err != nil {
		log.WithError(err).Fatal("seed builtin permissions")
	}

	probe := httpapi.ReadyProbe{Ping: engine.Ping}
	api := httpapi.New(engine, probe, version,
		httpapi.WithLogger(log),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond),
		httpapi.WithTrustedProxy(cfg.HTTP.TrustProxy),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	healthSrv := httpapi.NewGRPCServer(probe, log)
	grpcSrv := grpc.NewServer()
	healthSrv.Register(grpcSrv)
	reflection.Register(grpcSrv)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("grpc listen")
	}

	go healthSrv.Run(ctx, 10*time.Second)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Error("grpc serve")
			stop()
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http listen")
			stop()
		}
	}()

	log.WithFields(logrus.Fields{
		"version": version,
		"http":    srv.Addr,
		"grpc":    cfg.GRPCAddr,
		"driver":  cfg.DB.Driver,
	}).Info("devosphere authority started")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info("stopped")
}
