package projector_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/projector"
)

func sumEvent(n int) ledgermodel.StoredEvent {
	raw, _ := json.Marshal(map[string]int{"n": n})
	return ledgermodel.StoredEvent{Seq: uint64(n), Event: raw}
}

func reduceSum(state int, e ledgermodel.StoredEvent) int {
	var payload struct {
		N int `json:"n"`
	}
	_ = json.Unmarshal(e.Event, &payload)
	return state + payload.N
}

func cloneInt(s int) int { return s }

func TestApplySkipsAlreadySeenSeq(t *testing.T) {
	p := projector.New(0, reduceSum, cloneInt)
	p.Apply([]ledgermodel.StoredEvent{sumEvent(1), sumEvent(2), sumEvent(3)})
	require.Equal(t, 6, p.State())
	require.Equal(t, uint64(3), p.LastSeq())

	// Re-applying the same (or an overlapping) slice is a no-op.
	p.Apply([]ledgermodel.StoredEvent{sumEvent(1), sumEvent(2), sumEvent(3)})
	require.Equal(t, 6, p.State())
}

func TestApplyIdempotenceAcrossPartitions(t *testing.T) {
	events := []ledgermodel.StoredEvent{sumEvent(1), sumEvent(2), sumEvent(3), sumEvent(4), sumEvent(5)}

	whole := projector.New(0, reduceSum, cloneInt)
	whole.Apply(events)

	partitioned := projector.New(0, reduceSum, cloneInt)
	partitioned.Apply(events[:2])
	partitioned.Apply(events[2:])

	require.Equal(t, whole.State(), partitioned.State())

	// apply(E) then apply(E) == apply(E)
	partitioned.Apply(events)
	require.Equal(t, whole.State(), partitioned.State())
}

func TestReset(t *testing.T) {
	p := projector.New(0, reduceSum, cloneInt)
	p.Apply([]ledgermodel.StoredEvent{sumEvent(1), sumEvent(2)})
	require.Equal(t, 3, p.State())

	p.Reset()
	require.Equal(t, 0, p.State())
	require.Zero(t, p.LastSeq())
}
