package orchestrator

import (
	"testing"
	"time"
)

func TestEventQueueFIFOOrder(t *testing.T) {
	q := newEventQueue()
	q.push(VoiceEvent{Kind: EventMicDown})
	q.push(VoiceEvent{Kind: EventMicUp})
	q.push(VoiceEvent{Kind: EventStop})

	for _, want := range []VoiceEventKind{EventMicDown, EventMicUp, EventStop} {
		ev, ok := q.pop()
		if !ok {
			t.Fatalf("expected an item, queue reported closed")
		}
		if ev.Kind != want {
			t.Fatalf("expected %s, got %s", want, ev.Kind)
		}
	}
}

func TestEventQueuePopBlocksUntilPush(t *testing.T) {
	q := newEventQueue()
	done := make(chan VoiceEvent, 1)
	go func() {
		ev, ok := q.pop()
		if ok {
			done <- ev
		}
	}()

	select {
	case <-done:
		t.Fatalf("pop returned before any push")
	case <-time.After(20 * time.Millisecond):
	}

	q.push(VoiceEvent{Kind: EventStop})

	select {
	case ev := <-done:
		if ev.Kind != EventStop {
			t.Fatalf("expected EventStop, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop never returned after push")
	}
}

func TestEventQueueCloseUnblocksPop(t *testing.T) {
	q := newEventQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.closeQueue()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected pop to report closed (ok=false)")
		}
	case <-time.After(time.Second):
		t.Fatalf("closeQueue never unblocked pop")
	}
}

func TestEventQueuePushNeverBlocks(t *testing.T) {
	q := newEventQueue()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.push(VoiceEvent{Kind: EventMicDown})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("push appears to have blocked with no reader draining the queue")
	}
}
