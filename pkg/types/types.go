package types

// Offset is the zero-based logical index of a record in the log.
// It is not a byte position.
type Offset int64

// NoOffset marks "nothing acknowledged yet" and "append unconditionally".
const NoOffset Offset = -1

// Next returns the offset that follows o.
func (o Offset) Next() Offset { return o + 1 }

// Valid reports whether o refers to a record.
func (o Offset) Valid() bool { return o >= 0 }

// ReplicaID identifies a replica by its index; replica 0 is the leader.
type ReplicaID uint32

// LeaderReplica is the statically assigned leader index.
const LeaderReplica ReplicaID = 0

// ClientID identifies a client submitting requests to the leader.
type ClientID uint64

// ClientOffset is a per-client monotonic request sequence number.
type ClientOffset uint64
