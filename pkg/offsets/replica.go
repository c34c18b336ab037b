package offsets

import (
	"fmt"

	"replog/pkg/logerrors"
	"replog/pkg/types"
)

// unacked is NoOffset in two's complement.
const unacked = ^uint64(0)

// ReplicaStore keeps the last acknowledged offset of every replica.
type ReplicaStore struct {
	slots *Slots
}

// OpenReplicaStore opens (or creates) the offsets file for n replicas.
// Fresh slots read as types.NoOffset.
func OpenReplicaStore(path string, n int) (*ReplicaStore, error) {
	slots, err := OpenSlots(path, n, unacked)
	if err != nil {
		return nil, fmt.Errorf("open replica offsets: %w", err)
	}
	return &ReplicaStore{slots: slots}, nil
}

// Replicas returns the number of replica slots.
func (s *ReplicaStore) Replicas() int {
	return s.slots.Len()
}

func (s *ReplicaStore) Get(r types.ReplicaID) (types.Offset, error) {
	if int(r) >= s.slots.Len() {
		return types.NoOffset, fmt.Errorf("%w: replica %d", logerrors.ErrInvalidArgument, r)
	}
	v, err := s.slots.Get(int(r))
	if err != nil {
		return types.NoOffset, err
	}
	return types.Offset(v), nil
}

func (s *ReplicaStore) Set(r types.ReplicaID, off types.Offset) error {
	if int(r) >= s.slots.Len() {
		return fmt.Errorf("%w: replica %d", logerrors.ErrInvalidArgument, r)
	}
	return s.slots.Set(int(r), uint64(off))
}

func (s *ReplicaStore) Close() error {
	return s.slots.Close()
}
