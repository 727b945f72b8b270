package resilience

import (
	"context"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
)

// ServiceFallback implements [completion.Service] with automatic failover
// across multiple completion backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried.
type ServiceFallback struct {
	group *FallbackGroup[completion.Service]
}

// Compile-time interface assertion.
var _ completion.Service = (*ServiceFallback)(nil)

// NewServiceFallback creates a [ServiceFallback] with primary as the
// preferred backend.
func NewServiceFallback(primary completion.Service, primaryName string, cfg FallbackConfig) *ServiceFallback {
	return &ServiceFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional completion service as a fallback.
func (f *ServiceFallback) AddFallback(name string, svc completion.Service) {
	f.group.AddFallback(name, svc)
}

// New sends the request to the first healthy backend and returns its
// completion. If the primary fails, subsequent fallbacks are tried.
func (f *ServiceFallback) New(ctx context.Context, params chat.Params) (*chat.Completion, error) {
	return ExecuteWithResult(f.group, func(svc completion.Service) (*chat.Completion, error) {
		return svc.New(ctx, params)
	})
}

// NewStreaming opens a stream against the first healthy backend. Note: only
// the initial connection attempt is covered by failover; once a stream is
// established, mid-stream errors are the caller's responsibility.
func (f *ServiceFallback) NewStreaming(ctx context.Context, params chat.Params) (completion.Stream, error) {
	return ExecuteWithResult(f.group, func(svc completion.Service) (completion.Stream, error) {
		return svc.NewStreaming(ctx, params)
	})
}
