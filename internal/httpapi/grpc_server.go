package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer serves grpc.health.v1 for the authority. Serving status follows
// the readiness probe, re-evaluated by Probe or periodically by Run.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	log       logrus.FieldLogger
}

// NewGRPCServer creates the health service. It reports NOT_SERVING until the
// first successful probe.
func NewGRPCServer(r readinessChecker, log logrus.FieldLogger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	s := &GRPCServer{health: health.NewServer(), readiness: r, log: log}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Probe checks readiness once and publishes the result.
func (s *GRPCServer) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.log.WithError(err).Warn("grpc health: not serving")
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run probes every interval until ctx is done, then marks the service as
// shutting down.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	s.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

func (s *GRPCServer) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}
