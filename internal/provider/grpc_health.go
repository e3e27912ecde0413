package provider

import (
	"sync/atomic"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthPublisher mirrors provider circuits into a gRPC health server.
// Each provider is a service name; the empty service reports whether any
// provider is usable.
type HealthPublisher struct {
	server *health.Server
	chain  atomic.Pointer[Chain]
}

// NewHealthPublisher creates a publisher over a fresh health server.
func NewHealthPublisher() *HealthPublisher {
	return &HealthPublisher{server: health.NewServer()}
}

// Server returns the health server to register on a grpc.Server.
func (p *HealthPublisher) Server() *health.Server {
	return p.server
}

// Listener returns a StateListener that publishes circuit changes.
func (p *HealthPublisher) Listener() StateListener {
	return func(name string, state domain.CircuitState) {
		p.server.SetServingStatus(name, servingStatus(state))
		if chain := p.chain.Load(); chain != nil {
			p.publishOverall(chain)
		}
	}
}

// Bind attaches the chain and publishes the state of every provider.
func (p *HealthPublisher) Bind(chain *Chain) {
	p.chain.Store(chain)
	for _, s := range chain.Snapshot() {
		p.server.SetServingStatus(s.Provider, servingStatus(s.State))
	}
	p.publishOverall(chain)
}

func (p *HealthPublisher) publishOverall(chain *Chain) {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	for _, s := range chain.Snapshot() {
		if s.State != domain.CircuitOpen {
			overall = healthpb.HealthCheckResponse_SERVING
			break
		}
	}
	p.server.SetServingStatus("", overall)
}

func servingStatus(state domain.CircuitState) healthpb.HealthCheckResponse_ServingStatus {
	if state == domain.CircuitOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
