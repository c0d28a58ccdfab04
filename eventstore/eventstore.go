// Package eventstore implements the append-only event store: per-stream
// monotonically increasing sequence numbers, partial-range replay, and head
// queries. Concrete backends live in eventstore/inmem and eventstore/sqlite.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/runledger/runledger/ledgermodel"
)

// Store is the event store contract. Implementations must serialize
// concurrent Append calls on the same streamId (a per-stream mutex,
// transaction, or serialized actor) while allowing appends to distinct
// streams to proceed in parallel.
type Store interface {
	// Append assigns seq = previousHead+1..+N to events, writes them
	// atomically (all-or-nothing), and returns the stored records sharing a
	// single batch timestamp. Empty input returns an empty result with no
	// side effects.
	Append(ctx context.Context, streamID string, events []ledgermodel.Event) ([]ledgermodel.StoredEvent, error)

	// Replay returns events with seq > opts.AfterSeq in ascending seq order,
	// up to opts.Limit if positive. Unknown streams yield an empty result.
	Replay(ctx context.Context, streamID string, opts ReplayOptions) ([]ledgermodel.StoredEvent, error)

	// Head returns the largest assigned seq for streamID, or 0 if none.
	Head(ctx context.Context, streamID string) (uint64, error)

	// Delete removes all events for streamID. Idempotent.
	Delete(ctx context.Context, streamID string) error
}

// ReplayOptions bounds a Replay call.
type ReplayOptions struct {
	// AfterSeq excludes events with seq <= AfterSeq.
	AfterSeq uint64
	// Limit caps the number of returned events; zero means unbounded.
	Limit uint64
	// UpperBoundSeq, when non-zero, excludes events with seq > UpperBoundSeq.
	// This lets the fan-out server take a stable snapshot bound at
	// head-at-subscribe-time without a second store round trip.
	UpperBoundSeq uint64
}

// marshalEvent serializes ledgermodel.Event into the json.RawMessage carried
// by StoredEvent. The backends in eventstore/inmem and eventstore/sqlite do
// not call it; they marshal events themselves.
func marshalEvent(e ledgermodel.Event) (json.RawMessage, error) {
	return json.Marshal(e)
}

// now is a package-level clock. The backends do not read it; they stamp
// batches with time.Now directly.
var now = time.Now
