// Package ledgermodel defines the semantic data types shared across the
// event store, accumulator, and ledger store: stored events, canonical
// messages and their part variants, and run records.
package ledgermodel

import (
	"encoding/json"
	"time"
)

// StoredEvent is an event as persisted by the event store: an opaque
// producer-defined payload tagged with the stream it belongs to, the
// sequence number the store assigned it, and the timestamp of the append
// batch it was written in.
type StoredEvent struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	StreamID  string          `json:"streamId"`
	Event     json.RawMessage `json:"event"`
}

// Event is the producer-defined payload appended to a stream. The core
// never interprets Payload; it only routes it.
type Event struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// PartKind discriminates CanonicalPart variants.
type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
	PartFile       PartKind = "file"
)

// CanonicalPart is a tagged variant of message content. Exactly the fields
// relevant to Kind are populated; others are zero.
type CanonicalPart struct {
	Kind PartKind `json:"kind"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// tool-call
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Input      any    `json:"input,omitempty"`

	// tool-result (ToolCallID and ToolName shared with tool-call)
	Output  any  `json:"output,omitempty"`
	IsError bool `json:"isError,omitempty"`

	// file
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Role identifies who authored a CanonicalMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// CanonicalMessage is an immutable, committed message with a stable id,
// parent link, role, ordered parts, and commit-time ordinal (ordinal is
// assigned by the ledger store, not set here).
type CanonicalMessage struct {
	ID              string          `json:"id"`
	ParentMessageID *string         `json:"parentMessageId"`
	Role            Role            `json:"role"`
	Parts           []CanonicalPart `json:"parts"`
	CreatedAt       time.Time       `json:"createdAt"`
	Metadata        Metadata        `json:"metadata"`

	// RunID and ThreadID are populated when the message is read back from
	// the ledger store; they are not required inputs to finalizeRun.
	RunID    string `json:"runId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Ordinal  uint64 `json:"ordinal,omitempty"`
}

// Metadata is extensible per-message metadata; SchemaVersion is the only
// field the core reserves.
type Metadata struct {
	SchemaVersion int            `json:"schemaVersion"`
	Extra         map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside SchemaVersion.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := map[string]any{"schemaVersion": m.SchemaVersion}
	for k, v := range m.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores SchemaVersion and retains unknown keys in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["schemaVersion"]; ok {
		if f, ok := v.(float64); ok {
			m.SchemaVersion = int(f)
		}
		delete(raw, "schemaVersion")
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// RunStatus is the tagged-variant lifecycle status of a RunRecord.
type RunStatus string

const (
	RunCreated    RunStatus = "created"
	RunStreaming  RunStatus = "streaming"
	RunCommitted  RunStatus = "committed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunSuperseded RunStatus = "superseded"
)

// Active reports whether the status is one of the two non-terminal states.
func (s RunStatus) Active() bool { return s == RunCreated || s == RunStreaming }

// Terminal reports whether the status is one from which no further
// transition is permitted (all but created/streaming).
func (s RunStatus) Terminal() bool { return !s.Active() }

// RunRecord is the durable lifecycle record for a single run.
type RunRecord struct {
	RunID             string
	ThreadID          string
	StreamID          string
	ForkFromMessageID *string
	Status            RunStatus
	CreatedAt         time.Time
	FinishedAt        *time.Time
	MessageCount      uint32
}

// ThreadTreeNode is a derived view of one message's position in the thread tree.
type ThreadTreeNode struct {
	MessageID       string
	ParentMessageID *string
	Role            Role
	RunID           string
	RunStatus       RunStatus
}

// ForkPoint is a derived view of a parent message with more than one child.
type ForkPoint struct {
	ForkMessageID string
	Children      []string
	ActiveChildID string
}
