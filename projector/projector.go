// Package projector implements an idempotent fold of a stored-event stream
// into derived state. Grounded on run/snapshot.go's "Snapshot is a derived
// view... recomputed from the canonical append-only run log" design,
// generalized to any state shape via a generic reducer instead of one
// hardcoded Snapshot struct.
package projector

import (
	"context"

	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/ledgermodel"
)

// Reducer folds one stored event into the next state value. Reducers must
// return a new state value rather than mutating in place, so that state may
// be read concurrently with Apply in single-writer/multi-reader designs.
type Reducer[S any] func(state S, event ledgermodel.StoredEvent) S

// Cloner deep-copies a state value. Used on construction and Reset.
type Cloner[S any] func(state S) S

// Projector holds state and lastSeq for one stream, folding stored events
// into state via an injected Reducer. Apply is idempotent: events with
// seq <= lastSeq are silently skipped, so replaying an already-applied
// prefix is a no-op.
type Projector[S any] struct {
	reducer Reducer[S]
	clone   Cloner[S]
	initial S

	state   S
	lastSeq uint64
}

// New constructs a Projector with the given initial state, reducer, and
// cloner. initial is deep-copied via clone before use.
func New[S any](initial S, reducer Reducer[S], clone Cloner[S]) *Projector[S] {
	return &Projector[S]{
		reducer: reducer,
		clone:   clone,
		initial: initial,
		state:   clone(initial),
	}
}

// Apply folds each event with seq > lastSeq into state, in order, advancing
// lastSeq to the highest seq seen. Events with seq <= lastSeq are skipped.
func (p *Projector[S]) Apply(events []ledgermodel.StoredEvent) {
	for _, e := range events {
		if e.Seq <= p.lastSeq {
			continue
		}
		p.state = p.reducer(p.state, e)
		p.lastSeq = e.Seq
	}
}

// CatchUp replays streamID from the store starting after lastSeq and applies
// the result, returning the number of events applied.
func (p *Projector[S]) CatchUp(ctx context.Context, store eventstore.Store, streamID string) (int, error) {
	events, err := store.Replay(ctx, streamID, eventstore.ReplayOptions{AfterSeq: p.lastSeq})
	if err != nil {
		return 0, err
	}
	p.Apply(events)
	return len(events), nil
}

// Reset restores state to a fresh deep copy of the initial value and zeroes
// lastSeq.
func (p *Projector[S]) Reset() {
	p.state = p.clone(p.initial)
	p.lastSeq = 0
}

// State returns the current derived state. Safe to call concurrently with
// Apply only if the Reducer never mutates the previous state value in
// place.
func (p *Projector[S]) State() S { return p.state }

// LastSeq returns the highest seq folded so far.
func (p *Projector[S]) LastSeq() uint64 { return p.lastSeq }
