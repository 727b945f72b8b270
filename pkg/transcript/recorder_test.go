package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/chatloop/pkg/chat"
	embedmock "github.com/MrWong99/chatloop/pkg/embeddings/mock"
	"github.com/MrWong99/chatloop/pkg/events"
)

// memStore is an in-memory Store for recorder tests.
type memStore struct {
	mu        sync.Mutex
	entries   []Entry
	appendErr error
}

func (m *memStore) Append(_ context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memStore) History(_ context.Context, conversationID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Search(context.Context, []float32, int, Filter) ([]Result, error) {
	return nil, nil
}

func (m *memStore) SearchText(context.Context, string, int, Filter) ([]Result, error) {
	return nil, nil
}

func emitConversation(hub *events.Hub) {
	user := chat.UserMessage("what is 2+3?")
	reply := chat.AssistantMessage("the sum is 5")
	hub.Emit(events.Event{Kind: events.Message, Message: &user})
	hub.Emit(events.Event{Kind: events.Message, Message: &reply})
	hub.Emit(events.Event{Kind: events.End})
}

func TestRecorder_PersistsRunMessages(t *testing.T) {
	store := &memStore{}
	hub := events.New()

	rec := NewRecorder(store)
	recording := rec.Attach(hub, "conv-1")
	emitConversation(hub)

	if err := recording.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	history, err := store.History(t.Context(), "conv-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("persisted entries = %d, want 2", len(history))
	}
	if history[0].Role != chat.RoleUser || history[0].Content != "what is 2+3?" {
		t.Errorf("first entry = %+v, want the user message", history[0])
	}
	if history[1].Role != chat.RoleAssistant || history[1].Content != "the sum is 5" {
		t.Errorf("second entry = %+v, want the assistant reply", history[1])
	}
}

func TestRecorder_EmbedsContent(t *testing.T) {
	store := &memStore{}
	embedder := &embedmock.Provider{
		EmbedResult:     []float32{0.1, 0.2, 0.3},
		DimensionsValue: 3,
	}
	hub := events.New()

	rec := NewRecorder(store, WithEmbedder(embedder))
	recording := rec.Attach(hub, "conv-1")
	emitConversation(hub)

	if err := recording.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	history, _ := store.History(t.Context(), "conv-1")
	for _, e := range history {
		if len(e.Embedding) != 3 {
			t.Errorf("entry %q embedding length = %d, want 3", e.Content, len(e.Embedding))
		}
	}
	if calls := embedder.Calls(); len(calls) != 2 {
		t.Errorf("embedded texts = %v, want both message contents", calls)
	}
}

func TestRecorder_EmbedFailureStillPersists(t *testing.T) {
	store := &memStore{}
	embedder := &embedmock.Provider{EmbedErr: errors.New("embeddings down")}
	hub := events.New()

	rec := NewRecorder(store, WithEmbedder(embedder))
	recording := rec.Attach(hub, "conv-1")
	emitConversation(hub)

	if err := recording.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	history, _ := store.History(t.Context(), "conv-1")
	if len(history) != 2 {
		t.Fatalf("persisted entries = %d, want 2 despite embed failure", len(history))
	}
	for _, e := range history {
		if e.Embedding != nil {
			t.Errorf("entry %q has embedding despite failure", e.Content)
		}
	}
}

func TestRecorder_SeedMessagesPersistedFirst(t *testing.T) {
	store := &memStore{}
	hub := events.New()

	rec := NewRecorder(store)
	recording := rec.Attach(hub, "conv-1", chat.SystemMessage("be terse"), chat.UserMessage("what is 2+3?"))

	reply := chat.AssistantMessage("5")
	hub.Emit(events.Event{Kind: events.Message, Message: &reply})
	hub.Emit(events.Event{Kind: events.End})

	if err := recording.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	history, _ := store.History(t.Context(), "conv-1")
	if len(history) != 3 {
		t.Fatalf("persisted entries = %d, want 3", len(history))
	}
	if history[0].Role != chat.RoleSystem || history[1].Role != chat.RoleUser {
		t.Errorf("seed entries = %v %v, want system then user first", history[0].Role, history[1].Role)
	}
}

func TestRecording_FlushWithoutEndEvent(t *testing.T) {
	store := &memStore{}
	hub := events.New()

	rec := NewRecorder(store)
	recording := rec.Attach(hub, "conv-1", chat.UserMessage("hi"))

	// The owner observed completion out of band; Flush must persist without
	// an end event, and repeated calls must not duplicate entries.
	recording.Flush()
	recording.Flush()

	if err := recording.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	history, _ := store.History(t.Context(), "conv-1")
	if len(history) != 1 {
		t.Fatalf("persisted entries = %d, want 1", len(history))
	}
}

func TestRecorder_AppendFailureReportedViaWait(t *testing.T) {
	boom := errors.New("db down")
	store := &memStore{appendErr: boom}
	hub := events.New()

	rec := NewRecorder(store)
	recording := rec.Attach(hub, "conv-1")
	emitConversation(hub)

	if err := recording.Wait(t.Context()); !errors.Is(err, boom) {
		t.Errorf("Wait = %v, want %v", err, boom)
	}
}

func TestEntry_MessageRoundTrip(t *testing.T) {
	msg := chat.ToolMessage("call_1", "5")
	e := FromMessage("conv-1", msg)
	got := e.Message()
	if got.Role != msg.Role || got.Content != msg.Content || got.ToolCallID != msg.ToolCallID {
		t.Errorf("round-tripped message = %+v, want %+v", got, msg)
	}
}
