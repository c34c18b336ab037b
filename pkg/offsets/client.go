package offsets

import (
	"fmt"

	"replog/pkg/types"
)

// ClientStore keeps the last accepted request sequence of each client.
// Ids at or above the cap are untracked: they read as 0 and writes to them
// are dropped.
type ClientStore struct {
	slots *Slots
}

// OpenClientStore opens (or creates) the client offsets file sized for
// maxClients ids.
func OpenClientStore(path string, maxClients int) (*ClientStore, error) {
	slots, err := OpenSlots(path, maxClients, 0)
	if err != nil {
		return nil, fmt.Errorf("open client offsets: %w", err)
	}
	return &ClientStore{slots: slots}, nil
}

// MaxClients returns the tracked id cap.
func (s *ClientStore) MaxClients() int {
	return s.slots.Len()
}

// Tracked reports whether c has a persisted slot.
func (s *ClientStore) Tracked(c types.ClientID) bool {
	return c < types.ClientID(s.slots.Len())
}

func (s *ClientStore) Get(c types.ClientID) (types.ClientOffset, error) {
	if !s.Tracked(c) {
		return 0, nil
	}
	v, err := s.slots.Get(int(c))
	return types.ClientOffset(v), err
}

func (s *ClientStore) Set(c types.ClientID, off types.ClientOffset) error {
	if !s.Tracked(c) {
		return nil
	}
	return s.slots.Set(int(c), uint64(off))
}

func (s *ClientStore) Close() error {
	return s.slots.Close()
}
