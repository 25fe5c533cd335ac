package handler

import (
	"context"
	"errors"
	"log"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the service name clients may pass to Check besides the empty overall name.
const ServiceName = "quelyos.auth"

// Pinger is used to check database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is used to check that the policy engine is ready (e.g. OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker runs the readiness checks shared by the gRPC health service and the HTTP /healthz route.
// Nil dependencies are skipped.
type Checker struct {
	pinger        Pinger
	policyChecker PolicyChecker
}

// NewChecker returns a Checker. pinger and policyChecker may be nil.
func NewChecker(pinger Pinger, policyChecker PolicyChecker) *Checker {
	return &Checker{pinger: pinger, policyChecker: policyChecker}
}

// Ready returns nil when every configured dependency answers.
func (c *Checker) Ready(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.policyChecker != nil {
		if err := c.policyChecker.HealthCheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Server implements grpc.health.v1.Health for readiness probes.
type Server struct {
	healthpb.UnimplementedHealthServer
	checker *Checker
}

// NewServer returns a health server backed by checker.
func NewServer(checker *Checker) *Server {
	return &Server{checker: checker}
}

// Check reports SERVING when all readiness checks pass and NOT_SERVING otherwise.
// Unknown service names return NotFound as the health protocol requires.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.checker.Ready(ctx); err != nil {
		log.Printf("health: not serving: %v", err)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
