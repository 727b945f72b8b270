// Package feed streams runner events to websocket clients.
//
// A [Feed] is attached to one or more runs and fans their events out to every
// connected websocket subscriber as JSON frames. Slow subscribers are
// disconnected rather than allowed to stall the fan-out; listeners on a
// runner must never block.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatloop/pkg/events"
)

// subscriberBuffer is the per-subscriber frame queue. A subscriber that falls
// this many frames behind is dropped.
const subscriberBuffer = 64

// allKinds lists every event kind a Feed forwards.
var allKinds = []events.Kind{
	events.Connect, events.Message, events.ChatCompletion, events.Content,
	events.Chunk, events.FunctionCall, events.FunctionCallResult,
	events.FinalContent, events.FinalMessage, events.FinalChatCompletion,
	events.FinalFunctionCall, events.FinalFunctionCallResult,
	events.TotalUsage, events.Error, events.Abort, events.End,
}

// Frame is the JSON shape of one forwarded event. The error is flattened to
// its message because error values do not marshal.
type Frame struct {
	RunID string `json:"run_id,omitempty"`
	events.Event
	ErrMessage string `json:"error,omitempty"`
}

// EventSource is the subset of a runner the Feed needs.
type EventSource interface {
	On(kind events.Kind, fn events.Listener) events.Subscription
}

// Feed fans runner events out to websocket subscribers. The zero value is not
// usable; construct with [New]. Safe for concurrent use.
type Feed struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// New returns an empty Feed.
func New() *Feed {
	return &Feed{subs: make(map[chan []byte]struct{})}
}

// Attach forwards every event of src to all current and future subscribers.
// runID labels the frames so clients can multiplex several runs over one
// connection.
func (f *Feed) Attach(src EventSource, runID string) {
	for _, kind := range allKinds {
		src.On(kind, func(ev events.Event) {
			f.publish(runID, ev)
		})
	}
}

// publish marshals ev once and enqueues it to every subscriber without
// blocking. Subscribers with a full queue are dropped.
func (f *Feed) publish(runID string, ev events.Event) {
	frame := Frame{RunID: runID, Event: ev}
	if ev.Err != nil {
		frame.ErrMessage = ev.Err.Error()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("feed: marshal event", "kind", ev.Kind, "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- data:
		default:
			slog.Warn("feed: dropping slow subscriber", "kind", ev.Kind)
			delete(f.subs, ch)
			close(ch)
		}
	}
}

func (f *Feed) subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(ch chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// ServeHTTP upgrades the request to a websocket and streams event frames
// until the client disconnects or the request context ends.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("feed: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	g, ctx := errgroup.WithContext(r.Context())

	// Writer: forward frames until the queue closes (slow-subscriber drop)
	// or the connection dies.
	g.Go(func() error {
		for {
			select {
			case data, ok := <-ch:
				if !ok {
					return conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	// Reader: the feed is write-only, but reading is required to observe
	// close frames and connection loss.
	g.Go(func() error {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return err
			}
		}
	})

	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		slog.Debug("feed: subscriber disconnected", "error", err)
	}
}

func isExpectedClose(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway ||
		errors.Is(err, context.Canceled)
}
