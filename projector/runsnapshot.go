package projector

import (
	"encoding/json"
	"time"

	"github.com/runledger/runledger/ledgermodel"
)

// RunSnapshot is a derived, live view of a single in-progress run, computed
// by folding its event stream. It supplements the committed-transcript path
// (accumulator/runledger) with a cheap dashboard-style view of a run that
// has not finalized yet. Grounded on run/snapshot.go's Snapshot type,
// trimmed to the fields derivable from this store's generic Event shape
// (kind + payload) rather than a provider-specific event catalogue.
type RunSnapshot struct {
	Status               ledgermodel.RunStatus
	StartedAt             time.Time
	UpdatedAt              time.Time
	LastAssistantText     string
	OpenToolCalls          map[string]string // toolCallId -> toolName
	CompletedToolCallCount int
	LastError              string
}

// cloneRunSnapshot deep-copies a RunSnapshot for Projector construction and Reset.
func cloneRunSnapshot(s RunSnapshot) RunSnapshot {
	out := s
	out.OpenToolCalls = make(map[string]string, len(s.OpenToolCalls))
	for k, v := range s.OpenToolCalls {
		out.OpenToolCalls[k] = v
	}
	return out
}

// runSnapshotEvent is the subset of a producer event payload RunSnapshot
// understands; unknown kinds are folded in as no-ops.
type runSnapshotEvent struct {
	Kind string `json:"kind"`
	Payload struct {
		Text       string `json:"text"`
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Error      string `json:"error"`
	} `json:"payload"`
}

func reduceRunSnapshot(s RunSnapshot, e ledgermodel.StoredEvent) RunSnapshot {
	next := cloneRunSnapshot(s)
	if next.StartedAt.IsZero() {
		next.StartedAt = e.Timestamp
	}
	next.UpdatedAt = e.Timestamp

	var ev runSnapshotEvent
	if err := json.Unmarshal(e.Event, &ev); err != nil {
		return next
	}
	switch ev.Kind {
	case "text-delta":
		next.LastAssistantText += ev.Payload.Text
	case "tool-call":
		next.OpenToolCalls[ev.Payload.ToolCallID] = ev.Payload.ToolName
		next.Status = ledgermodel.RunStreaming
	case "tool-result":
		delete(next.OpenToolCalls, ev.Payload.ToolCallID)
		next.CompletedToolCallCount++
	case "error":
		next.LastError = ev.Payload.Error
		next.Status = ledgermodel.RunFailed
	case "run-committed":
		next.Status = ledgermodel.RunCommitted
	}
	return next
}

// NewRunSnapshot constructs a Projector[RunSnapshot] seeded with Status ==
// RunStreaming and an empty open-tool-call set.
func NewRunSnapshot() *Projector[RunSnapshot] {
	initial := RunSnapshot{Status: ledgermodel.RunStreaming, OpenToolCalls: map[string]string{}}
	return New(initial, reduceRunSnapshot, cloneRunSnapshot)
}
