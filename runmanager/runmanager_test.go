package runmanager_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/eventstore/inmem"
	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledger"
	ledgerinmem "github.com/runledger/runledger/runledger/inmem"
	"github.com/runledger/runledger/runmanager"
)

func newManager() *runmanager.Manager {
	return runmanager.New(inmem.New(), ledgerinmem.New(), runmanager.Options{})
}

func rawEvent(kind string, payload map[string]any) ledgermodel.Event {
	return ledgermodel.Event{Kind: kind, Payload: payload}
}

func TestBeginAppendFinalizeCommitted(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	rec, err := m.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, ledgermodel.RunStreaming, rec.Status)

	_, err = m.AppendEvents(ctx, rec.RunID, []ledgermodel.Event{
		rawEvent("text-delta", map[string]any{"text": "hello"}),
	})
	require.NoError(t, err)

	result, err := m.FinalizeRun(ctx, rec.RunID, ledgermodel.RunCommitted)
	require.NoError(t, err)
	require.True(t, result.Committed)
}

func TestAppendEventsRejectsInactiveRun(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	rec, err := m.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = m.FinalizeRun(ctx, rec.RunID, ledgermodel.RunCancelled)
	require.NoError(t, err)

	_, err = m.AppendEvents(ctx, rec.RunID, []ledgermodel.Event{rawEvent("text-delta", nil)})
	require.Error(t, err)
}

func TestAppendEventsUnknownRun(t *testing.T) {
	m := newManager()
	_, err := m.AppendEvents(context.Background(), "missing", []ledgermodel.Event{rawEvent("text-delta", nil)})
	require.Error(t, err)
}

func TestFinalizeRunNonCommitSkipsAccumulator(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	rec, err := m.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)

	result, err := m.FinalizeRun(ctx, rec.RunID, ledgermodel.RunFailed)
	require.NoError(t, err)
	require.False(t, result.Committed)
}

func TestRawEventMarshalsToJSON(t *testing.T) {
	e := rawEvent("tool-call", map[string]any{"toolCallId": "tc1"})
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.Contains(t, string(raw), "tool-call")
}
