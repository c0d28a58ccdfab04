package accumulator_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/accumulator"
	"github.com/runledger/runledger/ledgermodel"
)

func ev(seq uint64, kind string, payload map[string]any) ledgermodel.StoredEvent {
	raw, _ := json.Marshal(map[string]any{"kind": kind, "payload": payload})
	return ledgermodel.StoredEvent{Seq: seq, Timestamp: time.Unix(int64(seq), 0), Event: raw}
}

func TestTextDeltaCoalescesUntilToolCall(t *testing.T) {
	events := []ledgermodel.StoredEvent{
		ev(1, "text-delta", map[string]any{"text": "Hello, "}),
		ev(2, "text-delta", map[string]any{"text": "world"}),
		ev(3, "tool-call", map[string]any{"toolCallId": "tc1", "toolName": "search", "input": map[string]any{"q": "go"}}),
		ev(4, "tool-result", map[string]any{"toolCallId": "tc1", "toolName": "search", "output": "result", "isError": false}),
		ev(5, "text-delta", map[string]any{"text": "done"}),
	}
	msgs, err := accumulator.Accumulate(events, accumulator.Options{IDGenerator: accumulator.NewCounterIDGenerator()})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	require.Equal(t, ledgermodel.RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].Parts, 2)
	require.Equal(t, "Hello, world", msgs[0].Parts[0].Text)
	require.Equal(t, ledgermodel.PartToolCall, msgs[0].Parts[1].Kind)
	require.Equal(t, "tc1", msgs[0].Parts[1].ToolCallID)

	require.Equal(t, ledgermodel.RoleTool, msgs[1].Role)
	require.Equal(t, ledgermodel.PartToolResult, msgs[1].Parts[0].Kind)

	require.Equal(t, ledgermodel.RoleAssistant, msgs[2].Role)
	require.Equal(t, "done", msgs[2].Parts[0].Text)

	// Parent chain: msgs[i+1].ParentMessageID == msgs[i].ID.
	require.Nil(t, msgs[0].ParentMessageID)
	require.Equal(t, msgs[0].ID, *msgs[1].ParentMessageID)
	require.Equal(t, msgs[1].ID, *msgs[2].ParentMessageID)
}

func TestToolResultEmittedWithoutMatchingCall(t *testing.T) {
	events := []ledgermodel.StoredEvent{
		ev(1, "tool-result", map[string]any{"toolCallId": "unknown", "output": "x", "isError": false}),
	}
	msgs, err := accumulator.Accumulate(events, accumulator.Options{IDGenerator: accumulator.NewCounterIDGenerator()})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, ledgermodel.RoleTool, msgs[0].Role)
	require.False(t, msgs[0].Parts[0].IsError)
}

func TestFirstMessageParentIsForkFromMessageID(t *testing.T) {
	parent := "m0"
	events := []ledgermodel.StoredEvent{ev(1, "text-delta", map[string]any{"text": "hi"})}
	msgs, err := accumulator.Accumulate(events, accumulator.Options{
		ForkFromMessageID: &parent,
		IDGenerator:        accumulator.NewCounterIDGenerator(),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, parent, *msgs[0].ParentMessageID)
}

func TestErrorTerminatesButKeepsFlushedMessages(t *testing.T) {
	events := []ledgermodel.StoredEvent{
		ev(1, "text-delta", map[string]any{"text": "hi"}),
		ev(2, "tool-call", map[string]any{"toolCallId": "tc1", "toolName": "x"}),
		ev(3, "error", map[string]any{"message": "boom"}),
		ev(4, "text-delta", map[string]any{"text": "unreachable"}),
	}
	msgs, err := accumulator.Accumulate(events, accumulator.Options{IDGenerator: accumulator.NewCounterIDGenerator()})
	require.Error(t, err)
	require.Len(t, msgs, 1)
}

func TestIdempotenceAcrossFreshInstances(t *testing.T) {
	events := []ledgermodel.StoredEvent{
		ev(1, "reasoning", map[string]any{"text": "thinking"}),
		ev(2, "text-delta", map[string]any{"text": "hi"}),
		ev(3, "step-boundary", nil),
		ev(4, "text-delta", map[string]any{"text": "bye"}),
	}
	opts := accumulator.Options{IDGenerator: accumulator.NewCounterIDGenerator()}
	first, err := accumulator.Accumulate(events, opts)
	require.NoError(t, err)

	opts2 := accumulator.Options{IDGenerator: accumulator.NewCounterIDGenerator()}
	second, err := accumulator.Accumulate(events, opts2)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID)
		require.Equal(t, first[i].Role, second[i].Role)
		require.Equal(t, first[i].Parts, second[i].Parts)
	}
}
