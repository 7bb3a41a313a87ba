// Package healthcheck probes a running authority over the standard gRPC
// health protocol.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnknownService is returned when the server does not track the
	// requested service name.
	ErrUnknownService = errors.New("healthcheck: unknown service")
	// ErrUnavailable is returned when the server cannot be reached.
	ErrUnavailable = errors.New("healthcheck: server unavailable")
)

// Client wraps the gRPC health service.
type Client struct {
	conn *grpc.ClientConn
	svc  healthpb.HealthClient
}

// Dial creates a new client. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, svc: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Check reports whether service is SERVING. An empty name asks about the
// server as a whole.
func (c *Client) Check(ctx context.Context, service string) (bool, error) {
	resp, err := c.svc.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, mapHealthError(err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Wait polls Check every interval until service is SERVING or ctx ends.
func (c *Client) Wait(ctx context.Context, service string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := c.Check(ctx, service)
		if ctx.Err() != nil {
			return fmt.Errorf("wait for %q: %w", service, ctx.Err())
		}
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %q: %w", service, ctx.Err())
		case <-ticker.C:
		}
	}
}

func mapHealthError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownService, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return err
	}
}
