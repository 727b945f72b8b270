package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestOn_InvokedPerEmit checks that a persistent listener fires for every
// emit of its kind and for nothing else.
func TestOn_InvokedPerEmit(t *testing.T) {
	h := New()
	count := 0
	h.On(Content, func(Event) { count++ })

	h.Emit(Event{Kind: Content, Content: "a"})
	h.Emit(Event{Kind: Message})
	h.Emit(Event{Kind: Content, Content: "b"})

	if count != 2 {
		t.Errorf("listener fired %d times, want 2", count)
	}
}

// TestOnce_FiresOnlyOnce checks that a once listener is removed after its
// first invocation.
func TestOnce_FiresOnlyOnce(t *testing.T) {
	h := New()
	count := 0
	h.Once(Content, func(Event) { count++ })

	h.Emit(Event{Kind: Content})
	h.Emit(Event{Kind: Content})

	if count != 1 {
		t.Errorf("once listener fired %d times, want 1", count)
	}
	if h.HasListener(Content) {
		t.Error("once listener still registered after firing")
	}
}

// TestOff_RemovesListener checks removal, including the double-Off no-op.
func TestOff_RemovesListener(t *testing.T) {
	h := New()
	count := 0
	sub := h.On(Content, func(Event) { count++ })

	h.Emit(Event{Kind: Content})
	h.Off(sub)
	h.Off(sub)
	h.Emit(Event{Kind: Content})

	if count != 1 {
		t.Errorf("listener fired %d times after Off, want 1", count)
	}
}

// TestEmit_RegistrationOrder verifies that listeners for one kind run in the
// order they were registered.
func TestEmit_RegistrationOrder(t *testing.T) {
	h := New()
	var order []int
	h.On(Content, func(Event) { order = append(order, 1) })
	h.On(Content, func(Event) { order = append(order, 2) })
	h.On(Content, func(Event) { order = append(order, 3) })

	h.Emit(Event{Kind: Content})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("invocation order = %v, want [1 2 3]", order)
	}
}

// TestEmit_SilentAfterEnd checks the permanent-silence latch: nothing is
// delivered after End, not even a second End.
func TestEmit_SilentAfterEnd(t *testing.T) {
	h := New()
	var got []Kind
	for _, k := range []Kind{Content, Error, End} {
		k := k
		h.On(k, func(Event) { got = append(got, k) })
	}

	h.Emit(Event{Kind: End})
	h.Emit(Event{Kind: Content})
	h.Emit(Event{Kind: Error, Err: errors.New("late")})
	h.Emit(Event{Kind: End})

	if len(got) != 1 || got[0] != End {
		t.Errorf("delivered events = %v, want [end]", got)
	}
	if !h.Ended() {
		t.Error("Ended = false after End was emitted")
	}
}

// TestEmitted_ResolvesWithEvent waits for a kind that fires shortly after.
func TestEmitted_ResolvesWithEvent(t *testing.T) {
	h := New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		h.Emit(Event{Kind: FinalContent, Content: "done"})
	}()

	ev, err := h.Emitted(t.Context(), FinalContent)
	if err != nil {
		t.Fatalf("Emitted: %v", err)
	}
	if ev.Content != "done" {
		t.Errorf("event content = %q, want done", ev.Content)
	}
}

// TestEmitted_RejectsOnError checks that an error event unblocks a wait for a
// different kind with the carried error.
func TestEmitted_RejectsOnError(t *testing.T) {
	h := New()
	boom := errors.New("boom")
	go func() {
		time.Sleep(5 * time.Millisecond)
		h.Emit(Event{Kind: Error, Err: boom})
	}()

	_, err := h.Emitted(t.Context(), FinalContent)
	if !errors.Is(err, boom) {
		t.Errorf("Emitted error = %v, want %v", err, boom)
	}
}

// TestEmitted_ErrorKindResolves checks that waiting for Error itself resolves
// with the event rather than rejecting.
func TestEmitted_ErrorKindResolves(t *testing.T) {
	h := New()
	boom := errors.New("boom")
	go func() {
		time.Sleep(5 * time.Millisecond)
		h.Emit(Event{Kind: Error, Err: boom})
	}()

	ev, err := h.Emitted(t.Context(), Error)
	if err != nil {
		t.Fatalf("Emitted: %v", err)
	}
	if !errors.Is(ev.Err, boom) {
		t.Errorf("event error = %v, want %v", ev.Err, boom)
	}
}

// TestEmitted_ContextCancel checks that cancellation unblocks the wait.
func TestEmitted_ContextCancel(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := h.Emitted(ctx, FinalContent)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Emitted error = %v, want context.Canceled", err)
	}
}

// TestKind_IsValid spot-checks the closed kind set.
func TestKind_IsValid(t *testing.T) {
	for _, k := range []Kind{Connect, Chunk, TotalUsage, End} {
		if !k.IsValid() {
			t.Errorf("%q reported invalid", k)
		}
	}
	if Kind("finished").IsValid() {
		t.Error(`"finished" reported valid`)
	}
}
