package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledger"
	"github.com/runledger/runledger/runledger/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id string, parent *string) ledgermodel.CanonicalMessage {
	return ledgermodel.CanonicalMessage{
		ID:              id,
		ParentMessageID: parent,
		Role:            ledgermodel.RoleAssistant,
		Parts:           []ledgermodel.CanonicalPart{{Kind: ledgermodel.PartText, Text: id}},
		Metadata:        ledgermodel.Metadata{SchemaVersion: 1},
	}
}

func strp(s string) *string { return &s }

func TestBeginActivateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, ledgermodel.RunCreated, rec.Status)

	active, err := s.ActivateRun(ctx, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, ledgermodel.RunStreaming, active.Status)

	_, err = s.ActivateRun(ctx, rec.RunID)
	require.Error(t, err)
}

// TestSupersessionPreservesBranches is scenario S5.
func TestSupersessionPreservesBranches(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	m0 := strp("M0")

	r1, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1", ForkFromMessageID: m0})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, r1.RunID)
	require.NoError(t, err)
	res1, err := s.FinalizeRun(ctx, runledger.FinalizeOptions{
		RunID: r1.RunID, Target: ledgermodel.RunCommitted,
		Messages: []ledgermodel.CanonicalMessage{msg("A", m0)},
	})
	require.NoError(t, err)
	require.True(t, res1.Committed)

	r2, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1", ForkFromMessageID: m0})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, r2.RunID)
	require.NoError(t, err)
	res2, err := s.FinalizeRun(ctx, runledger.FinalizeOptions{
		RunID: r2.RunID, Target: ledgermodel.RunCommitted,
		Messages: []ledgermodel.CanonicalMessage{msg("B", m0)},
	})
	require.NoError(t, err)
	require.Equal(t, []string{r1.RunID}, res2.SupersededRunIDs)

	all, err := s.GetTranscript(ctx, runledger.TranscriptOptions{ThreadID: "t1", Branch: runledger.BranchAll})
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := s.GetTranscript(ctx, runledger.TranscriptOptions{ThreadID: "t1", Branch: runledger.BranchActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "B", active[0].ID)
	require.Len(t, active[0].Parts, 1)
	require.Equal(t, "B", active[0].Parts[0].Text)
}

// TestFinalizeRunIdempotenceAndTerminalLock is scenario S6.
func TestFinalizeRunIdempotenceAndTerminalLock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, rec.RunID)
	require.NoError(t, err)

	messages := []ledgermodel.CanonicalMessage{msg("M1", nil)}
	res, err := s.FinalizeRun(ctx, runledger.FinalizeOptions{RunID: rec.RunID, Target: ledgermodel.RunCommitted, Messages: messages})
	require.NoError(t, err)
	require.True(t, res.Committed)

	res, err = s.FinalizeRun(ctx, runledger.FinalizeOptions{RunID: rec.RunID, Target: ledgermodel.RunCommitted, Messages: messages})
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Empty(t, res.SupersededRunIDs)

	res, err = s.FinalizeRun(ctx, runledger.FinalizeOptions{RunID: rec.RunID, Target: ledgermodel.RunFailed})
	require.NoError(t, err)
	require.False(t, res.Committed)

	got, err := s.GetRun(ctx, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, ledgermodel.RunCommitted, got.Status)
}

func TestDeleteThreadRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, rec.RunID)
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, runledger.FinalizeOptions{
		RunID: rec.RunID, Target: ledgermodel.RunCommitted,
		Messages: []ledgermodel.CanonicalMessage{msg("M1", nil)},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, "t1"))

	runs, err := s.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, runs)

	transcript, err := s.GetTranscript(ctx, runledger.TranscriptOptions{ThreadID: "t1", Branch: runledger.BranchAll})
	require.NoError(t, err)
	require.Empty(t, transcript)
}

func TestListStaleRunsAndRecover(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)

	stale, err := s.ListStaleRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	result, err := s.RecoverRun(ctx, rec.RunID, runledger.RecoverFail)
	require.NoError(t, err)
	require.Equal(t, ledgermodel.RunFailed, result.NewStatus)
}

// TestGetTranscriptSelectionsOverridesActiveBranch mirrors runledger/inmem's
// Selections coverage against the sqlite backend.
func TestGetTranscriptSelectionsOverridesActiveBranch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	root, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, root.RunID)
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, runledger.FinalizeOptions{
		RunID: root.RunID, Target: ledgermodel.RunCommitted,
		Messages: []ledgermodel.CanonicalMessage{msg("M0", nil)},
	})
	require.NoError(t, err)
	m0 := strp("M0")

	r1, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1", ForkFromMessageID: m0})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, r1.RunID)
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, runledger.FinalizeOptions{
		RunID: r1.RunID, Target: ledgermodel.RunCommitted,
		Messages: []ledgermodel.CanonicalMessage{msg("A", m0)},
	})
	require.NoError(t, err)

	r2, err := s.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1", ForkFromMessageID: m0})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, r2.RunID)
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, runledger.FinalizeOptions{
		RunID: r2.RunID, Target: ledgermodel.RunCommitted,
		Messages: []ledgermodel.CanonicalMessage{msg("B", m0)},
	})
	require.NoError(t, err)

	def, err := s.GetTranscript(ctx, runledger.TranscriptOptions{ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, "B", def[len(def)-1].ID)

	picked, err := s.GetTranscript(ctx, runledger.TranscriptOptions{
		ThreadID:   "t1",
		Selections: map[string]string{"M0": "A"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"M0", "A"}, idsOf(picked))

	fallback, err := s.GetTranscript(ctx, runledger.TranscriptOptions{
		ThreadID:   "t1",
		Selections: map[string]string{"M0": "nonexistent"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"M0", "B"}, idsOf(fallback))
}

func idsOf(msgs []ledgermodel.CanonicalMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
