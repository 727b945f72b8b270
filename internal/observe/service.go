package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
)

// InstrumentedService wraps a [completion.Service] and records request
// counts, latency, token consumption, and errors for every call.
type InstrumentedService struct {
	inner    completion.Service
	provider string
	metrics  *Metrics
}

var _ completion.Service = (*InstrumentedService)(nil)

// Instrument wraps svc so that all completion traffic is recorded against
// the given provider name. Pass [DefaultMetrics] for m in production code.
func Instrument(svc completion.Service, provider string, m *Metrics) *InstrumentedService {
	return &InstrumentedService{inner: svc, provider: provider, metrics: m}
}

// New delegates to the wrapped service and records latency, status, and
// token usage under a dedicated span.
func (s *InstrumentedService) New(ctx context.Context, params chat.Params) (*chat.Completion, error) {
	ctx, span := StartSpan(ctx, "completion.New",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider", s.provider)),
	)
	defer span.End()

	start := time.Now()
	compl, err := s.inner.New(ctx, params)
	s.metrics.CompletionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", s.provider)),
	)

	if err != nil {
		span.RecordError(err)
		s.metrics.RecordCompletionRequest(ctx, s.provider, "buffered", "error")
		s.metrics.RecordCompletionError(ctx, s.provider)
		return nil, err
	}

	s.metrics.RecordCompletionRequest(ctx, s.provider, "buffered", "ok")
	if compl.Usage != nil {
		s.metrics.RecordTokens(ctx, s.provider, compl.Usage.PromptTokens, compl.Usage.CompletionTokens)
	}
	return compl, nil
}

// NewStreaming delegates to the wrapped service. Latency covers the whole
// stream lifetime and is recorded when the stream is closed; token usage is
// taken from the final chunk that carries it.
func (s *InstrumentedService) NewStreaming(ctx context.Context, params chat.Params) (completion.Stream, error) {
	start := time.Now()
	stream, err := s.inner.NewStreaming(ctx, params)
	if err != nil {
		s.metrics.RecordCompletionRequest(ctx, s.provider, "streaming", "error")
		s.metrics.RecordCompletionError(ctx, s.provider)
		return nil, err
	}
	s.metrics.RecordCompletionRequest(ctx, s.provider, "streaming", "ok")
	return &instrumentedStream{
		Stream:  stream,
		ctx:     ctx,
		start:   start,
		service: s,
	}, nil
}

// instrumentedStream records stream-level metrics once, on Close.
type instrumentedStream struct {
	completion.Stream
	ctx     context.Context
	start   time.Time
	service *InstrumentedService

	mu    sync.Mutex
	usage *chat.Usage
	done  bool
}

func (s *instrumentedStream) Current() chat.Chunk {
	chunk := s.Stream.Current()
	if chunk.Usage != nil {
		s.mu.Lock()
		s.usage = chunk.Usage
		s.mu.Unlock()
	}
	return chunk
}

func (s *instrumentedStream) Close() error {
	err := s.Stream.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return err
	}
	s.done = true

	svc := s.service
	svc.metrics.CompletionDuration.Record(s.ctx, time.Since(s.start).Seconds(),
		metric.WithAttributes(attribute.String("provider", svc.provider)),
	)
	if s.usage != nil {
		svc.metrics.RecordTokens(s.ctx, svc.provider, s.usage.PromptTokens, s.usage.CompletionTokens)
	}
	if serr := s.Stream.Err(); serr != nil && !isContextError(serr) {
		svc.metrics.RecordCompletionError(s.ctx, svc.provider)
	}
	return err
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
