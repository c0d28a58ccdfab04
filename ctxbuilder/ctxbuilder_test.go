package ctxbuilder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/ctxbuilder"
	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledger"
	"github.com/runledger/runledger/runledger/inmem"
)

func commit(t *testing.T, store *inmem.Store, threadID string, messages ...ledgermodel.CanonicalMessage) {
	t.Helper()
	ctx := context.Background()
	rec, err := store.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: threadID})
	require.NoError(t, err)
	_, err = store.ActivateRun(ctx, rec.RunID)
	require.NoError(t, err)
	_, err = store.FinalizeRun(ctx, runledger.FinalizeOptions{RunID: rec.RunID, Target: ledgermodel.RunCommitted, Messages: messages})
	require.NoError(t, err)
}

func TestBuildFiltersAndTrims(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	commit(t, store, "t1",
		ledgermodel.CanonicalMessage{ID: "m1", Role: ledgermodel.RoleUser, Parts: []ledgermodel.CanonicalPart{{Kind: ledgermodel.PartText, Text: "hi"}}},
		ledgermodel.CanonicalMessage{ID: "m2", Role: ledgermodel.RoleAssistant, Parts: []ledgermodel.CanonicalPart{{Kind: ledgermodel.PartReasoning, Text: "thinking"}}},
		ledgermodel.CanonicalMessage{ID: "m3", Role: ledgermodel.RoleAssistant, Parts: []ledgermodel.CanonicalPart{{Kind: ledgermodel.PartText, Text: "done"}}},
	)

	no := false
	out, err := ctxbuilder.Build(ctx, store, "t1", ctxbuilder.Options{IncludeReasoning: &no})
	require.NoError(t, err)
	// m2's only part (reasoning) is dropped, so m2 itself is dropped.
	require.Len(t, out.Messages, 2)
	require.Equal(t, "m1", out.Messages[0].ID)
	require.Equal(t, "m3", out.Messages[1].ID)
	require.Equal(t, "t1", out.Provenance.ThreadID)
	require.Equal(t, "m1", out.Provenance.FirstMessageID)
	require.Equal(t, "m3", out.Provenance.LastMessageID)
}

func TestBuildMaxMessagesKeepsTrailing(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	commit(t, store, "t1",
		ledgermodel.CanonicalMessage{ID: "m1", Role: ledgermodel.RoleUser, Parts: []ledgermodel.CanonicalPart{{Kind: ledgermodel.PartText, Text: "a"}}},
		ledgermodel.CanonicalMessage{ID: "m2", Role: ledgermodel.RoleAssistant, Parts: []ledgermodel.CanonicalPart{{Kind: ledgermodel.PartText, Text: "b"}}},
	)

	out, err := ctxbuilder.Build(ctx, store, "t1", ctxbuilder.Options{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "m2", out.Messages[0].ID)
}
