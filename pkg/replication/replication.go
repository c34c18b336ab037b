// Package replication defines how log entries and acknowledgements move
// between the leader and its followers.
//
// The WAL never touches the network. It pushes outbound traffic through a
// Channel and receives inbound traffic as calls on a Receiver. Delivery is
// best-effort and at-least-once; the follower's offset-checked append absorbs
// duplicates.
package replication

import (
	"context"
	"errors"
	"fmt"

	"replog/pkg/types"
)

var ErrUnreachable = errors.New("replication: replica unreachable")

// LogEntry carries one record from the leader to a follower.
type LogEntry struct {
	To     types.ReplicaID `json:"to"`
	Offset types.Offset    `json:"offset"`
	Entry  []byte          `json:"entry"`
}

// Ack reports a follower's last acknowledged offset to the leader. With
// Replay set it asks the leader to stream everything after Offset.
type Ack struct {
	Replica types.ReplicaID `json:"replica"`
	Offset  types.Offset    `json:"offset"`
	Replay  bool            `json:"replay,omitempty"`
}

func (a Ack) String() string {
	if a.Replay {
		return fmt.Sprintf("replay-request(replica=%d, after=%d)", a.Replica, a.Offset)
	}
	return fmt.Sprintf("ack(replica=%d, offset=%d)", a.Replica, a.Offset)
}

// Channel is the outbound side.
type Channel interface {
	// SendLogEntry ships an entry from the leader to follower `to`.
	SendLogEntry(ctx context.Context, to types.ReplicaID, offset types.Offset, entry []byte) error
	// SendAck reports a follower's progress to the leader.
	SendAck(ctx context.Context, ack Ack) error
	// SendReplayRequest asks the leader to replay entries after ack.Offset.
	SendReplayRequest(ctx context.Context, ack Ack) error
}

// Receiver is the inbound side, implemented by the WAL.
type Receiver interface {
	HandleLogEntry(ctx context.Context, entry LogEntry) error
	HandleAck(ctx context.Context, ack Ack) error
}
