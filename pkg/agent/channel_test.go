package agent

import (
	"context"
	"testing"
	"time"

	"github.com/openonion/connectonion/pkg/protocol"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for _, v := range []string{"a", "b", "c"} {
		q.Push(protocol.Event{"type": v})
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		e, ok := q.Pop(ctx)
		if !ok || e.Type() != want {
			t.Fatalf("Pop = %v, %v; want %s", e, ok, want)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	done := make(chan protocol.Event, 1)
	go func() {
		e, _ := q.Pop(context.Background())
		done <- e
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(protocol.Event{"type": "late"})

	select {
	case e := <-done:
		if e.Type() != "late" {
			t.Errorf("got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up")
	}
}

func TestQueue_CloseDrainsThenEnds(t *testing.T) {
	q := NewQueue()
	q.Push(protocol.Event{"type": "queued"})
	q.Close()

	// Queued events survive Close.
	e, ok := q.Pop(context.Background())
	if !ok || e.Type() != "queued" {
		t.Fatalf("Pop after close = %v, %v", e, ok)
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Error("Pop on drained closed queue returned ok")
	}

	// Pushes after Close are dropped.
	q.Push(protocol.Event{"type": "dropped"})
	if _, ok := q.TryPop(); ok {
		t.Error("push after close was accepted")
	}
}

func TestQueue_PopHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := q.Pop(ctx); ok {
		t.Error("Pop returned ok on cancelled context")
	}
}

func TestChannel_EmitStampsEvents(t *testing.T) {
	ch := NewChannel()
	ch.Emit(protocol.EventThinking, map[string]any{"content": "..."})

	e, ok := ch.Outgoing.TryPop()
	if !ok {
		t.Fatal("no event emitted")
	}
	if e.Type() != protocol.EventThinking || e.String("id") == "" {
		t.Errorf("event = %v", e)
	}
}

func TestChannel_AskRoundTrip(t *testing.T) {
	ch := NewChannel()

	go func() {
		// Client side: read the question, answer it.
		q, _ := ch.Outgoing.Pop(context.Background())
		if q.Type() != protocol.EventAskUser {
			return
		}
		ch.Incoming.Push(protocol.Event{"type": "answer", "content": "yes"})
	}()

	reply, ok := ch.Ask(context.Background(), protocol.EventAskUser, map[string]any{"question": "proceed?"})
	if !ok || reply.String("content") != "yes" {
		t.Errorf("Ask = %v, %v", reply, ok)
	}
}

func TestChannel_CloseUnblocksAsk(t *testing.T) {
	ch := NewChannel()
	done := make(chan bool, 1)
	go func() {
		_, ok := ch.Ask(context.Background(), protocol.EventAskUser, nil)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Ask returned ok on closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Ask never unblocked")
	}
}
