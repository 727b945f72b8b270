package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/embeddings"
	"github.com/MrWong99/chatloop/pkg/events"
)

// defaultFlushTimeout bounds the embed-and-append work after a run ends.
const defaultFlushTimeout = 30 * time.Second

// EventSource is the subset of a runner used by the Recorder: the ability to
// register event listeners.
type EventSource interface {
	On(kind events.Kind, fn events.Listener) events.Subscription
}

// Recorder persists every message a run appends to its conversation.
//
// Listeners on a runner must not block, so the Recorder buffers messages as
// they are emitted and flushes them to the store in a background goroutine
// once the run's end event fires. A persistence failure is logged, never
// propagated into the run.
type Recorder struct {
	store    Store
	embedder embeddings.Provider
	timeout  time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithEmbedder makes the Recorder embed message content before storing it,
// enabling semantic search over the transcript. Without an embedder entries
// are stored with no vector and remain reachable via full-text search.
func WithEmbedder(p embeddings.Provider) RecorderOption {
	return func(rec *Recorder) { rec.embedder = p }
}

// WithFlushTimeout bounds the post-run embed-and-append work.
func WithFlushTimeout(d time.Duration) RecorderOption {
	return func(rec *Recorder) { rec.timeout = d }
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	rec := &Recorder{store: store, timeout: defaultFlushTimeout}
	for _, o := range opts {
		o(rec)
	}
	return rec
}

// Recording tracks one attached run and lets callers await persistence.
type Recording struct {
	rec            *Recorder
	conversationID string
	flushOnce      sync.Once

	mu      sync.Mutex
	entries []Entry
	done    chan struct{}
	err     error
}

// Flush persists the buffered entries in the background. It is triggered
// automatically by the attached run's end event; owners that observe run
// completion out of band (via the runner's Done accessor) should also call it,
// since a run that ended before Attach emits no further events. Only the
// first call has an effect.
func (rc *Recording) Flush() {
	rc.flushOnce.Do(func() { go rc.rec.flush(rc) })
}

// Wait blocks until the recording has been flushed to the store (or the flush
// failed), or ctx is cancelled.
func (rc *Recording) Wait(ctx context.Context) error {
	select {
	case <-rc.done:
		rc.mu.Lock()
		defer rc.mu.Unlock()
		return rc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach subscribes to src's message events and persists them under
// conversationID when the run ends. Attach must be called before the run
// emits its first message; in practice, immediately after constructing the
// runner.
//
// seed messages are buffered ahead of everything the run emits. Runners
// replay caller-supplied messages without events, so pass them here to have
// the full conversation persisted.
func (rec *Recorder) Attach(src EventSource, conversationID string, seed ...chat.Message) *Recording {
	rc := &Recording{rec: rec, conversationID: conversationID, done: make(chan struct{})}
	for _, m := range seed {
		rc.entries = append(rc.entries, FromMessage(conversationID, m))
	}

	src.On(events.Message, func(ev events.Event) {
		if ev.Message == nil {
			return
		}
		rc.mu.Lock()
		rc.entries = append(rc.entries, FromMessage(conversationID, *ev.Message))
		rc.mu.Unlock()
	})

	src.On(events.End, func(events.Event) {
		rc.Flush()
	})

	return rc
}

func (rec *Recorder) flush(rc *Recording) {
	defer close(rc.done)
	conversationID := rc.conversationID

	ctx, cancel := context.WithTimeout(context.Background(), rec.timeout)
	defer cancel()

	rc.mu.Lock()
	entries := rc.entries
	rc.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	if rec.embedder != nil {
		if err := rec.embed(ctx, entries); err != nil {
			// Store the entries anyway; they stay text-searchable.
			slog.Warn("transcript recorder: embedding failed, storing without vectors",
				"conversation_id", conversationID, "error", err)
		}
	}

	if err := rec.store.Append(ctx, entries...); err != nil {
		slog.Error("transcript recorder: append failed",
			"conversation_id", conversationID, "entries", len(entries), "error", err)
		rc.mu.Lock()
		rc.err = err
		rc.mu.Unlock()
		return
	}
	slog.Debug("transcript recorder: run persisted",
		"conversation_id", conversationID, "entries", len(entries))
}

// embed fills in the Embedding of every entry with non-empty content using a
// single batch call.
func (rec *Recorder) embed(ctx context.Context, entries []Entry) error {
	var texts []string
	var idx []int
	for i, e := range entries {
		if e.Content == "" {
			continue
		}
		texts = append(texts, e.Content)
		idx = append(idx, i)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := rec.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for n, i := range idx {
		entries[i].Embedding = vectors[n]
	}
	return nil
}
