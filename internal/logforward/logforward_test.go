package logforward

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu       sync.Mutex
	received []string
	fail     bool
}

func (s *recordingSender) Send(level Level, message string) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, string(level)+":"+message)
	return nil
}

func TestHubBroadcastsToAllSubscribers(t *testing.T) {
	hub := NewHub()
	a := &recordingSender{}
	b := &recordingSender{}
	hub.Subscribe("a", a)
	hub.Subscribe("b", b)

	hub.Broadcast(LevelWarning, "disk almost full")

	if len(a.received) != 1 || a.received[0] != "W:disk almost full" {
		t.Fatalf("subscriber a: %v", a.received)
	}
	if len(b.received) != 1 {
		t.Fatalf("subscriber b: %v", b.received)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	bad := &recordingSender{fail: true}
	good := &recordingSender{}
	hub.Subscribe("bad", bad)
	hub.Subscribe("good", good)

	hub.Broadcast(LevelError, "boom")
	hub.Broadcast(LevelInfo, "again")

	if len(good.received) != 2 {
		t.Fatalf("good subscriber should see both events, got %v", good.received)
	}
	hub.mu.Lock()
	_, stillSubscribed := hub.subscribers["bad"]
	hub.mu.Unlock()
	if stillSubscribed {
		t.Fatal("expected failing subscriber to be dropped")
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	s := &recordingSender{}
	hub.Subscribe("s", s)
	hub.Unsubscribe("s")
	hub.Broadcast(LevelInfo, "should not arrive")
	if len(s.received) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %v", s.received)
	}
}

type fakeReceiver struct {
	msgs   chan string
	closed chan struct{}
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{msgs: make(chan string, 8), closed: make(chan struct{})}
}

func (r *fakeReceiver) Recv() (Level, string, error) {
	select {
	case m := <-r.msgs:
		return LevelInfo, m, nil
	case <-r.closed:
		return 0, "", errors.New("closed")
	case <-time.After(time.Second):
		return 0, "", errors.New("timeout")
	}
}

func (r *fakeReceiver) Close() error {
	close(r.closed)
	return nil
}

func TestClientCacheRefCounting(t *testing.T) {
	started := 0
	var mu sync.Mutex
	var lastReceiver *fakeReceiver
	cache := NewClientCache(func(uuid string) (Receiver, error) {
		mu.Lock()
		started++
		mu.Unlock()
		lastReceiver = newFakeReceiver()
		return lastReceiver, nil
	})

	if err := cache.Acquire("server-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := cache.Acquire("server-1"); err != nil {
		t.Fatalf("Acquire (second): %v", err)
	}
	mu.Lock()
	gotStarted := started
	mu.Unlock()
	if gotStarted != 1 {
		t.Fatalf("expected receive thread started once, got %d", gotStarted)
	}
	if cache.ActiveCount("server-1") != 2 {
		t.Fatalf("expected refcount 2, got %d", cache.ActiveCount("server-1"))
	}

	cache.Release("server-1")
	if cache.ActiveCount("server-1") != 1 {
		t.Fatalf("expected refcount 1 after one release, got %d", cache.ActiveCount("server-1"))
	}

	cache.Release("server-1")
	if cache.ActiveCount("server-1") != 0 {
		t.Fatalf("expected refcount 0 after final release, got %d", cache.ActiveCount("server-1"))
	}

	select {
	case <-lastReceiver.closed:
	case <-time.After(time.Second):
		t.Fatal("expected receiver to be closed after last release")
	}
}
