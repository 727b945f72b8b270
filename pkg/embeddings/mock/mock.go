// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chatloop/pkg/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock embeddings.Provider that returns pre-canned vectors and
// records the texts submitted for embedding. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by Embed for every call.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed and
	// EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// EmbedCalls records the text of every Embed call in order. Batch calls
	// append all their texts.
	EmbedCalls []string
}

// Embed records text and returns EmbedResult, EmbedErr.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	return p.EmbedResult, p.EmbedErr
}

// EmbedBatch records texts and returns one copy of EmbedResult per input.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	result := make([][]float32, len(texts))
	for i := range result {
		result[i] = p.EmbedResult
	}
	return result, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns a fixed test identifier.
func (p *Provider) ModelID() string { return "mock-embed" }

// Calls returns a copy of the recorded texts.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(p.EmbedCalls))
	copy(cp, p.EmbedCalls)
	return cp
}
