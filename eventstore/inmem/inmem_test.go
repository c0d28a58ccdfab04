package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/eventstore/inmem"
	"github.com/runledger/runledger/ledgermodel"
)

func evs(vals ...int) []ledgermodel.Event {
	out := make([]ledgermodel.Event, len(vals))
	for i, v := range vals {
		out[i] = ledgermodel.Event{Kind: "v", Payload: v}
	}
	return out
}

// S1: append and replay.
func TestAppendAndReplay(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	stored, err := store.Append(ctx, "s1", evs(1, 2, 3))
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Equal(t, []uint64{1, 2, 3}, seqsOf(stored))
	require.Equal(t, stored[0].Timestamp, stored[1].Timestamp)
	require.Equal(t, stored[0].Timestamp, stored[2].Timestamp)

	replayed, err := store.Replay(ctx, "s1", eventstore.ReplayOptions{})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, seqsOf(replayed))

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), head)
}

// S2: partial replay.
func TestPartialReplay(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, err := store.Append(ctx, "s1", evs(1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	require.NoError(t, err)

	slice, err := store.Replay(ctx, "s1", eventstore.ReplayOptions{AfterSeq: 3, Limit: 4})
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 5, 6, 7}, seqsOf(slice))

	tail, err := store.Replay(ctx, "s1", eventstore.ReplayOptions{AfterSeq: 7})
	require.NoError(t, err)
	require.Equal(t, []uint64{8, 9, 10}, seqsOf(tail))
}

func TestAppendEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	stored, err := store.Append(ctx, "s1", nil)
	require.NoError(t, err)
	require.Empty(t, stored)
	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestReplayUnknownStreamIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	out, err := store.Replay(ctx, "ghost", eventstore.ReplayOptions{})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, err := store.Append(ctx, "s1", evs(1))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := store.Append(ctx, "s1", evs(1))
			require.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(n), head)

	all, err := store.Replay(ctx, "s1", eventstore.ReplayOptions{})
	require.NoError(t, err)
	seen := map[uint64]bool{}
	for _, e := range all {
		require.False(t, seen[e.Seq], "seq %d delivered twice", e.Seq)
		seen[e.Seq] = true
	}
	require.Len(t, seen, n)
}

func seqsOf(events []ledgermodel.StoredEvent) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}
