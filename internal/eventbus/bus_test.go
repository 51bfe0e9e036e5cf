package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishFIFOPerSubscriber(t *testing.T) {
	t.Parallel()
	b := New(Config{Capacity: 16})
	s := b.Subscribe()
	defer s.Close()

	for i := 0; i < 10; i++ {
		b.Publish(TypeTaskUpdate, map[string]any{"n": i})
	}
	for i := 0; i < 10; i++ {
		e := <-s.C()
		if got := e.Payload["n"].(int); got != i {
			t.Fatalf("event %d has n=%d, want FIFO", i, got)
		}
	}
}

func TestFullSubscriberIsDroppedWithoutBlocking(t *testing.T) {
	t.Parallel()
	var droppedID uint64
	b := New(Config{Capacity: 2, OnDrop: func(id uint64) { droppedID = id }})
	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			b.Publish(TypeTaskCreated, map[string]any{"n": i})
			// Keep the fast subscriber drained.
			<-fast.C()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if !slow.Dropped() {
		t.Fatal("slow subscriber should be marked dropped")
	}
	if droppedID != slow.ID() {
		t.Fatalf("OnDrop id = %d, want %d", droppedID, slow.ID())
	}
	if fast.Dropped() {
		t.Fatal("fast subscriber must stay")
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	// Buffered events are still readable, then the channel reports closed.
	n := 0
	for range slow.C() {
		n++
	}
	if n != 2 {
		t.Fatalf("drained %d buffered events, want 2", n)
	}
	if st := b.Stats(); st.Dropped != 1 || st.Published != 3 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	s := b.Subscribe()
	s.Close()
	s.Close()
	b.Unsubscribe(s)
	b.Unsubscribe(nil)
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
	// Publishing with no subscribers is fine.
	b.Publish(TypeTaskUpdate, nil)
	if _, err := s.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after close err = %v, want ErrClosed", err)
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New(Config{Capacity: 4})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		s := b.Subscribe()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(TypeTaskUpdate, map[string]any{"j": j})
			}
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

func TestRecvHeartbeatWhenIdle(t *testing.T) {
	t.Parallel()
	b := New(Config{HeartbeatInterval: 20 * time.Millisecond})
	s := b.Subscribe()
	defer s.Close()

	e, err := s.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if e.Type != TypeHeartbeat {
		t.Fatalf("Type = %q, want heartbeat", e.Type)
	}

	b.Publish(TypeTaskCancelled, map[string]any{"task_id": "t1"})
	e, err = s.Recv(context.Background())
	if err != nil || e.Type != TypeTaskCancelled {
		t.Fatalf("Recv = %+v, %v", e, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recv with cancelled ctx err = %v", err)
	}
}

func TestEventMarshalFlat(t *testing.T) {
	t.Parallel()
	e := Event{
		Type:    TypeTaskUpdate,
		Time:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		Payload: map[string]any{"task_id": "t1", "status": "success", "type": "ignored"},
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["type"] != TypeTaskUpdate || m["task_id"] != "t1" || m["status"] != "success" {
		t.Fatalf("flat json = %v", m)
	}
	if m["timestamp"] != "2026-05-04T10:00:00Z" {
		t.Fatalf("timestamp = %v", m["timestamp"])
	}
}

func TestConsumeResubscribesAfterDrop(t *testing.T) {
	t.Parallel()
	b := New(Config{Capacity: 1, HeartbeatInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	gate := make(chan struct{})
	got := make(chan int, 8)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, func(e Event) {
			n := e.Payload["n"].(int)
			if n == 0 {
				<-gate
			}
			got <- n
		})
	}()

	waitLen := func(want int) {
		deadline := time.Now().Add(2 * time.Second)
		for b.Len() != want {
			if time.Now().After(deadline) {
				t.Fatalf("subscribers = %d, want %d", b.Len(), want)
			}
			time.Sleep(time.Millisecond)
		}
	}
	waitLen(1)
	b.Publish(TypeTaskUpdate, map[string]any{"n": 0})
	// n=0 is held by fn; n=1 fills the queue; n=2 drops the subscriber
	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Dropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never dropped")
		}
		b.Publish(TypeTaskUpdate, map[string]any{"n": 1})
		time.Sleep(time.Millisecond)
	}
	close(gate)

	waitLen(1)
	b.Publish(TypeTaskUpdate, map[string]any{"n": 3})

	seen := map[int]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[3] {
		select {
		case n := <-got:
			seen[n] = true
		case <-timeout:
			t.Fatalf("event after resubscribe never arrived, seen %v", seen)
		}
	}
	if !seen[0] {
		t.Fatalf("first event missing, seen %v", seen)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Consume = %v, want context.Canceled", err)
	}
}
