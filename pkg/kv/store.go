// Package kv is a key/value state machine fed from the replicated log.
package kv

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"replog/pkg/logerrors"
	"replog/pkg/request"
	"replog/pkg/types"
)

type orderedMap = skipmap.FuncMap[[]byte, Item]

// Store applies log entries in offset order. Entries at or below the last
// applied offset are ignored, so a replay over already applied state is
// harmless.
type Store struct {
	data *orderedMap

	mu      sync.Mutex // serializes Apply
	applied types.Offset
}

func New() *Store {
	return &Store{
		data: skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		applied: types.NoOffset,
	}
}

// Apply executes req, written at offset, and returns the previous value of
// the key (nil when it had none).
func (s *Store) Apply(_ context.Context, offset types.Offset, req *request.Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset <= s.applied {
		return nil, nil
	}

	var prev []byte
	if it, ok := s.data.Load(req.Key); ok {
		prev = it.Value
	}

	switch req.Op {
	case request.InsertOp:
		key := append([]byte(nil), req.Key...)
		s.data.Store(key, Item{
			Key:    key,
			Value:  append([]byte(nil), req.Value...),
			Offset: offset,
		})
	case request.DeleteOp:
		s.data.Delete(req.Key)
	default:
		return nil, fmt.Errorf("%w: operation %v at offset %d", logerrors.ErrInvalidArgument, req.Op, offset)
	}

	s.applied = offset
	return prev, nil
}

func (s *Store) Get(key []byte) (Item, bool) {
	return s.data.Load(key)
}

// Applied returns the offset of the last entry applied.
func (s *Store) Applied() types.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *Store) Len() int {
	return s.data.Len()
}

// Sorted returns every live item in key order.
func (s *Store) Sorted() []Item {
	result := make([]Item, 0, s.data.Len())
	s.data.Range(func(_ []byte, value Item) bool {
		result = append(result, value)
		return true
	})

	return result
}
