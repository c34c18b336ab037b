package cluster

import (
	"context"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"

	"replog/pkg/types"
)

// fakeConn is an in-memory znode tree with child watches.
type fakeConn struct {
	mu       sync.Mutex
	nodes    map[string][]byte
	watchers map[string][]chan zk.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		nodes:    map[string][]byte{"/": nil},
		watchers: make(map[string][]chan zk.Event),
	}
}

func (f *fakeConn) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (f *fakeConn) Create(p string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	if _, ok := f.nodes[path.Dir(p)]; !ok {
		return "", zk.ErrNoNode
	}
	f.nodes[p] = data
	parent := path.Dir(p)
	for _, ch := range f.watchers[parent] {
		ch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent}
	}
	delete(f.watchers, parent)
	return p, nil
}

func (f *fakeConn) children(p string) []string {
	var out []string
	for n := range f.nodes {
		if n != p && path.Dir(n) == p {
			out = append(out, strings.TrimPrefix(n, p+"/"))
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeConn) Children(p string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	return f.children(p), &zk.Stat{}, nil
}

func (f *fakeConn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	f.watchers[p] = append(f.watchers[p], ch)
	return f.children(p), &zk.Stat{}, ch, nil
}

func (f *fakeConn) Get(p string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return data, &zk.Stat{}, nil
}

func (f *fakeConn) State() zk.State { return zk.StateHasSession }

func (f *fakeConn) Close() {}

type chanSink chan map[types.ReplicaID]string

func (s chanSink) SetPeers(peers map[types.ReplicaID]string) { s <- peers }

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestReplicaPath(t *testing.T) {
	if got := ReplicaPath("/replog", 3); got != "/replog/replicas/3" {
		t.Fatalf("ReplicaPath = %q", got)
	}
	id, err := ParseReplicaNode("12")
	if err != nil || id != 12 {
		t.Fatalf("ParseReplicaNode = (%d, %v)", id, err)
	}
	if _, err := ParseReplicaNode("lock-0001"); err == nil {
		t.Fatal("ParseReplicaNode accepted a foreign name")
	}
}

func TestDirectory_RegisterAndPeers(t *testing.T) {
	ctx := context.Background()
	fc := newFakeConn()

	leader := newDirectory(fc, "/replog", 0, "node-0:8080", quiet)
	follower := newDirectory(fc, "/replog", 1, "node-1:8080", quiet)
	if err := leader.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := follower.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// a second registration of the same id is tolerated
	if err := follower.Register(ctx); err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if _, err := fc.Create("/replog/replicas/lock", nil, 0, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	peers, err := leader.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 2 || peers[0] != "node-0:8080" || peers[1] != "node-1:8080" {
		t.Fatalf("Peers = %v", peers)
	}
}

func TestDirectory_WatchFollowsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fc := newFakeConn()

	leader := newDirectory(fc, "/replog", 0, "node-0:8080", quiet)
	if err := leader.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sink := make(chanSink, 4)
	done := make(chan struct{})
	go func() {
		leader.Watch(ctx, sink)
		close(done)
	}()

	next := func() map[types.ReplicaID]string {
		t.Helper()
		select {
		case p := <-sink:
			return p
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for peer table")
			return nil
		}
	}

	if p := next(); len(p) != 1 {
		t.Fatalf("initial peers = %v", p)
	}

	follower := newDirectory(fc, "/replog", 2, "node-2:8080", quiet)
	if err := follower.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p := next(); len(p) != 2 || p[2] != "node-2:8080" {
		t.Fatalf("peers after join = %v", p)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
