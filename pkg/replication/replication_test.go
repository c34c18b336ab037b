package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"replog/pkg/types"
)

// recordingReceiver keeps everything it is handed.
type recordingReceiver struct {
	mu      sync.Mutex
	entries []LogEntry
	acks    []Ack
	notify  chan struct{}
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{notify: make(chan struct{}, 16)}
}

func (r *recordingReceiver) HandleLogEntry(_ context.Context, e LogEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recordingReceiver) HandleAck(_ context.Context, a Ack) error {
	r.mu.Lock()
	r.acks = append(r.acks, a)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recordingReceiver) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}

func TestLoopback_Routing(t *testing.T) {
	lb := NewLoopback()
	leader, follower := newRecordingReceiver(), newRecordingReceiver()
	lb.Register(0, leader)
	lb.Register(1, follower)
	ctx := context.Background()

	if err := lb.SendLogEntry(ctx, 1, 3, []byte("x")); err != nil {
		t.Fatalf("SendLogEntry failed: %v", err)
	}
	if err := lb.SendAck(ctx, Ack{Replica: 1, Offset: 3}); err != nil {
		t.Fatalf("SendAck failed: %v", err)
	}
	if err := lb.SendReplayRequest(ctx, Ack{Replica: 1, Offset: 1}); err != nil {
		t.Fatalf("SendReplayRequest failed: %v", err)
	}

	if len(follower.entries) != 1 || follower.entries[0].Offset != 3 || follower.entries[0].To != 1 {
		t.Fatalf("unexpected follower entries: %+v", follower.entries)
	}
	if len(leader.acks) != 2 || leader.acks[0].Replay || !leader.acks[1].Replay {
		t.Fatalf("unexpected leader acks: %+v", leader.acks)
	}
}

func TestLoopback_Disconnect(t *testing.T) {
	lb := NewLoopback()
	follower := newRecordingReceiver()
	lb.Register(0, newRecordingReceiver())
	lb.Register(1, follower)
	lb.Disconnect(1)

	ctx := context.Background()
	if err := lb.SendLogEntry(ctx, 1, 0, nil); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if err := lb.SendAck(ctx, Ack{Replica: 1}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for ack, got %v", err)
	}
	if err := lb.SendLogEntry(ctx, 2, 0, nil); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for unknown replica, got %v", err)
	}

	lb.Connect(1)
	if err := lb.SendLogEntry(ctx, 1, 0, nil); err != nil {
		t.Fatalf("expected delivery after Connect, got %v", err)
	}
}

func TestInbox_DeliversToReceiver(t *testing.T) {
	rec := newRecordingReceiver()
	in := NewInbox(rec, 4, nil)
	in.Start(context.Background())
	defer in.Stop()

	ctx := context.Background()
	if err := in.Push(ctx, Message{Entry: &LogEntry{To: 1, Offset: 0}}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := in.Push(ctx, Message{Ack: &Ack{Replica: 2, Offset: 5}}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	rec.wait(t, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 1 || len(rec.acks) != 1 || rec.acks[0].Offset != 5 {
		t.Fatalf("unexpected deliveries: %+v / %+v", rec.entries, rec.acks)
	}
}

func TestInbox_PushHonorsContext(t *testing.T) {
	in := NewInbox(newRecordingReceiver(), 0, nil) // not started, unbuffered
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := in.Push(ctx, Message{Ack: &Ack{}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestHTTPChannel_PostsJSON(t *testing.T) {
	var (
		mu      sync.Mutex
		entries []LogEntry
		acks    []Ack
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case EntryEndpoint:
			var e LogEntry
			if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			entries = append(entries, e)
		case AckEndpoint:
			var a Ack
			if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			acks = append(acks, a)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewHTTPChannel(map[types.ReplicaID]string{0: srv.URL, 1: srv.URL}, nil)
	ctx := context.Background()

	if err := ch.SendLogEntry(ctx, 1, 7, []byte("payload")); err != nil {
		t.Fatalf("SendLogEntry failed: %v", err)
	}
	if err := ch.SendReplayRequest(ctx, Ack{Replica: 1, Offset: 2}); err != nil {
		t.Fatalf("SendReplayRequest failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(entries) != 1 || entries[0].Offset != 7 || string(entries[0].Entry) != "payload" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if len(acks) != 1 || !acks[0].Replay || acks[0].Offset != 2 {
		t.Fatalf("unexpected acks: %+v", acks)
	}
}

func TestHTTPChannel_Retries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewHTTPChannel(map[types.ReplicaID]string{0: srv.URL}, nil)
	ch.retryDelay = time.Millisecond

	if err := ch.SendAck(context.Background(), Ack{Replica: 1, Offset: 1}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPChannel_UnknownPeer(t *testing.T) {
	ch := NewHTTPChannel(nil, nil)
	if err := ch.SendLogEntry(context.Background(), 2, 0, nil); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	ch.SetPeers(map[types.ReplicaID]string{2: "http://example.invalid"})
	if addr, ok := ch.Peer(2); !ok || addr != "http://example.invalid" {
		t.Fatalf("expected peer 2 after SetPeers, got %q, %v", addr, ok)
	}
	ch.RemovePeer(2)
	if _, ok := ch.Peer(2); ok {
		t.Fatal("expected peer 2 to be removed")
	}
}

func TestHTTPChannel_BareAddressIsHTTP(t *testing.T) {
	ch := NewHTTPChannel(map[types.ReplicaID]string{0: "node-0:8080"}, nil)
	ch.SetPeer(1, "https://node-1:8443/")

	if addr, _ := ch.Peer(0); addr != "http://node-0:8080" {
		t.Fatalf("peer 0 = %q", addr)
	}
	if addr, _ := ch.Peer(1); addr != "https://node-1:8443" {
		t.Fatalf("peer 1 = %q", addr)
	}
}
