package replication

import (
	"context"
	"fmt"
	"sync"

	"replog/pkg/types"
)

// Loopback delivers messages synchronously between receivers living in the
// same process. Replicas can be disconnected to simulate a partition.
type Loopback struct {
	mu        sync.RWMutex
	receivers map[types.ReplicaID]Receiver
	down      map[types.ReplicaID]bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		receivers: make(map[types.ReplicaID]Receiver),
		down:      make(map[types.ReplicaID]bool),
	}
}

func (lb *Loopback) Register(id types.ReplicaID, r Receiver) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.receivers[id] = r
}

// Disconnect drops every message to or from id until Connect is called.
func (lb *Loopback) Disconnect(id types.ReplicaID) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.down[id] = true
}

func (lb *Loopback) Connect(id types.ReplicaID) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.down, id)
}

func (lb *Loopback) route(from, to types.ReplicaID) (Receiver, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if lb.down[from] || lb.down[to] {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUnreachable, from, to)
	}
	r, ok := lb.receivers[to]
	if !ok {
		return nil, fmt.Errorf("%w: replica %d not registered", ErrUnreachable, to)
	}
	return r, nil
}

func (lb *Loopback) SendLogEntry(ctx context.Context, to types.ReplicaID, offset types.Offset, entry []byte) error {
	r, err := lb.route(types.LeaderReplica, to)
	if err != nil {
		return err
	}
	return r.HandleLogEntry(ctx, LogEntry{
		To:     to,
		Offset: offset,
		Entry:  append([]byte(nil), entry...),
	})
}

func (lb *Loopback) SendAck(ctx context.Context, ack Ack) error {
	r, err := lb.route(ack.Replica, types.LeaderReplica)
	if err != nil {
		return err
	}
	return r.HandleAck(ctx, ack)
}

func (lb *Loopback) SendReplayRequest(ctx context.Context, ack Ack) error {
	ack.Replay = true
	return lb.SendAck(ctx, ack)
}
