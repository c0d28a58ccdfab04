// Package inmem provides an in-memory eventstore.Store implementation for
// tests and local development. It has no persistence across process
// restarts; production deployments should use eventstore/sqlite.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledgererr"
)

// Store implements eventstore.Store in memory. All operations are
// thread-safe via a single mutex; appends to distinct streams never block
// each other on the logical contract, but this simple implementation shares
// one lock, trading some concurrency for the same correctness guarantees as
// runlog/inmem's per-store mutex.
type Store struct {
	mu      sync.Mutex
	nextSeq map[string]uint64
	events  map[string][]ledgermodel.StoredEvent
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		nextSeq: make(map[string]uint64),
		events:  make(map[string][]ledgermodel.StoredEvent),
	}
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, streamID string, events []ledgermodel.Event) ([]ledgermodel.StoredEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UTC()
	start := s.nextSeq[streamID]
	stored := make([]ledgermodel.StoredEvent, 0, len(events))
	for i, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			// Leave the stream unchanged: nothing has been appended yet
			// since stored is only committed to s.events after the loop.
			return nil, runledgererr.New(runledgererr.StoreError, "eventstore.Append", err)
		}
		stored = append(stored, ledgermodel.StoredEvent{
			Seq:       start + uint64(i) + 1,
			Timestamp: ts,
			StreamID:  streamID,
			Event:     raw,
		})
	}
	s.events[streamID] = append(s.events[streamID], stored...)
	s.nextSeq[streamID] = start + uint64(len(events))
	return stored, nil
}

// Replay implements eventstore.Store.
func (s *Store) Replay(_ context.Context, streamID string, opts eventstore.ReplayOptions) ([]ledgermodel.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[streamID]
	// all is stored in ascending seq order by construction; binary-search
	// the first element with seq > AfterSeq.
	start := sort.Search(len(all), func(i int) bool { return all[i].Seq > opts.AfterSeq })
	slice := all[start:]
	if opts.UpperBoundSeq > 0 {
		end := sort.Search(len(slice), func(i int) bool { return slice[i].Seq > opts.UpperBoundSeq })
		slice = slice[:end]
	}
	if opts.Limit > 0 && uint64(len(slice)) > opts.Limit {
		slice = slice[:opts.Limit]
	}
	out := make([]ledgermodel.StoredEvent, len(slice))
	copy(out, slice)
	return out, nil
}

// Head implements eventstore.Store.
func (s *Store) Head(_ context.Context, streamID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq[streamID], nil
}

// Delete implements eventstore.Store. Idempotent: deleting an unknown or
// already-deleted stream is a no-op.
func (s *Store) Delete(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, streamID)
	delete(s.nextSeq, streamID)
	return nil
}

// Reset clears all streams. Test-only helper, not part of eventstore.Store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq = make(map[string]uint64)
	s.events = make(map[string][]ledgermodel.StoredEvent)
}
