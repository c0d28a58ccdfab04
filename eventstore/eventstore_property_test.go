package eventstore_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/eventstore/inmem"
	"github.com/runledger/runledger/ledgermodel"
)

// TestReplayAfterSeqInvariant checks: for all s and k <= head(s),
// replay(s,{afterSeq:k}).map(seq) == [k+1 .. head(s)].
func TestReplayAfterSeqInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("replay after k covers the contiguous tail", prop.ForAll(
		func(n int, k int) bool {
			ctx := context.Background()
			store := inmem.New()
			events := make([]ledgermodel.Event, n)
			for i := range events {
				events[i] = ledgermodel.Event{Kind: "v", Payload: i}
			}
			if _, err := store.Append(ctx, "s", events); err != nil {
				return false
			}
			head, _ := store.Head(ctx, "s")
			if uint64(k) > head {
				return true // precondition afterSeq <= head not met, skip
			}
			got, err := store.Replay(ctx, "s", eventstore.ReplayOptions{AfterSeq: uint64(k)})
			if err != nil {
				return false
			}
			want := head - uint64(k)
			if uint64(len(got)) != want {
				return false
			}
			for i, e := range got {
				if e.Seq != uint64(k)+uint64(i)+1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

// TestAppendBatchesConcatenate checks: append(B1) then append(B2) yields
// replay() == B1 ++ B2 with seq = 1..|B1|+|B2|.
func TestAppendBatchesConcatenate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("sequential batches concatenate with contiguous seq", prop.ForAll(
		func(n1, n2 int) bool {
			ctx := context.Background()
			store := inmem.New()
			mk := func(n int) []ledgermodel.Event {
				out := make([]ledgermodel.Event, n)
				for i := range out {
					out[i] = ledgermodel.Event{Kind: "v", Payload: i}
				}
				return out
			}
			if _, err := store.Append(ctx, "s", mk(n1)); err != nil {
				return false
			}
			if _, err := store.Append(ctx, "s", mk(n2)); err != nil {
				return false
			}
			all, err := store.Replay(ctx, "s", eventstore.ReplayOptions{})
			if err != nil {
				return false
			}
			if len(all) != n1+n2 {
				return false
			}
			for i, e := range all {
				if e.Seq != uint64(i)+1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
