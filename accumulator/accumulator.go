// Package accumulator implements a pure function turning a replayed
// StoredEvent sequence into an ordered, branch-aware set of CanonicalMessage
// values with stable ids and parent links.
//
// Grounded on runtime/agent/transcript/ledger.go's current-message
// coalescing state machine (AppendThinking/AppendText/DeclareToolUse/
// FlushAssistant), rewritten against a CanonicalPart variant set
// (text/reasoning/tool-call/tool-result/file) and ULID identity instead of
// provider-specific part shapes and batched tool-result messages.
package accumulator

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/runledger/runledger/ledgermodel"
)

// IDGenerator produces message ids. The default generator is time-ordered
// and unique; tests typically inject a deterministic counter so fixture
// output is byte-identical across runs.
type IDGenerator func() string

// Options configures one Accumulate call.
type Options struct {
	// ForkFromMessageID becomes the ParentMessageID of the first emitted
	// message; nil for a run that does not fork from an existing message.
	ForkFromMessageID *string
	// IDGenerator defaults to a ULID generator seeded from crypto/rand.
	IDGenerator IDGenerator
}

// streamEvent is the generic producer-event shape the accumulator
// understands. The core does not otherwise interpret event payloads; this
// is the one place StreamEvent kinds are given meaning.
type streamEvent struct {
	Kind    string `json:"kind"`
	Payload struct {
		Text       string `json:"text"`
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Input      any    `json:"input"`
		Output     any    `json:"output"`
		IsError    bool   `json:"isError"`
		MimeType   string `json:"mimeType"`
		URL        string `json:"url"`
		Name       string `json:"name"`
		Message    string `json:"message"`
	} `json:"payload"`
}

// Kind constants for the StreamEvent vocabulary the accumulator understands.
const (
	KindTextDelta    = "text-delta"
	KindReasoning    = "reasoning"
	KindToolCall     = "tool-call"
	KindToolResult   = "tool-result"
	KindFile         = "file"
	KindStepBoundary = "step-boundary"
	KindError        = "error"
)

// ErrStream is returned when an "error" StreamEvent is encountered.
// Messages already flushed before the error remain in the returned slice.
type ErrStream struct {
	Message string
}

func (e *ErrStream) Error() string { return "accumulator: stream error: " + e.Message }

// pending accumulates an in-progress assistant message until a boundary
// flushes it, mirroring transcript.Ledger.current.
type pending struct {
	parts []ledgermodel.CanonicalPart
}

// Accumulate folds events into an ordered slice of CanonicalMessage. It is a
// pure function: calling it twice on the same input with the same (or an
// equivalent deterministic) IDGenerator yields identical content and
// ordering.
func Accumulate(events []ledgermodel.StoredEvent, opts Options) ([]ledgermodel.CanonicalMessage, error) {
	gen := opts.IDGenerator
	if gen == nil {
		gen = defaultIDGenerator()
	}

	var (
		out     []ledgermodel.CanonicalMessage
		cur     *pending
		lastID  *string = opts.ForkFromMessageID
		lastTS  time.Time
		streamErr error
	)

	emit := func(role ledgermodel.Role, parts []ledgermodel.CanonicalPart, ts time.Time) {
		if len(parts) == 0 {
			return
		}
		id := gen()
		msg := ledgermodel.CanonicalMessage{
			ID:              id,
			ParentMessageID: lastID,
			Role:            role,
			Parts:           parts,
			CreatedAt:       ts,
			Metadata:        ledgermodel.Metadata{SchemaVersion: 1},
		}
		out = append(out, msg)
		copied := id
		lastID = &copied
	}

	flushAssistant := func(ts time.Time) {
		if cur == nil {
			return
		}
		parts := cur.parts
		cur = nil
		emit(ledgermodel.RoleAssistant, parts, ts)
	}

	openAssistant := func() {
		if cur == nil {
			cur = &pending{}
		}
	}

	for _, e := range events {
		lastTS = e.Timestamp
		var se streamEvent
		if err := json.Unmarshal(e.Event, &se); err != nil {
			continue
		}
		switch se.Kind {
		case KindTextDelta:
			if se.Payload.Text == "" {
				continue
			}
			openAssistant()
			if n := len(cur.parts); n > 0 && cur.parts[n-1].Kind == ledgermodel.PartText {
				cur.parts[n-1].Text += se.Payload.Text
			} else {
				cur.parts = append(cur.parts, ledgermodel.CanonicalPart{Kind: ledgermodel.PartText, Text: se.Payload.Text})
			}

		case KindReasoning:
			openAssistant()
			cur.parts = append(cur.parts, ledgermodel.CanonicalPart{Kind: ledgermodel.PartReasoning, Text: se.Payload.Text})

		case KindFile:
			openAssistant()
			cur.parts = append(cur.parts, ledgermodel.CanonicalPart{
				Kind:     ledgermodel.PartFile,
				MimeType: se.Payload.MimeType,
				URL:      se.Payload.URL,
				Name:     se.Payload.Name,
			})

		case KindToolCall:
			openAssistant()
			cur.parts = append(cur.parts, ledgermodel.CanonicalPart{
				Kind:       ledgermodel.PartToolCall,
				ToolCallID: se.Payload.ToolCallID,
				ToolName:   se.Payload.ToolName,
				Input:      se.Payload.Input,
			})
			flushAssistant(e.Timestamp)

		case KindToolResult:
			// Emitted even when no matching tool-call was observed
			// (isError unchanged from the event).
			emit(ledgermodel.RoleTool, []ledgermodel.CanonicalPart{{
				Kind:       ledgermodel.PartToolResult,
				ToolCallID: se.Payload.ToolCallID,
				ToolName:   se.Payload.ToolName,
				Output:     se.Payload.Output,
				IsError:    se.Payload.IsError,
			}}, e.Timestamp)

		case KindStepBoundary:
			flushAssistant(e.Timestamp)

		case KindError:
			streamErr = &ErrStream{Message: se.Payload.Message}
		}
		if streamErr != nil {
			break
		}
	}
	if streamErr == nil {
		flushAssistant(lastTS)
	}
	return out, streamErr
}

// defaultIDGenerator returns a time-ordered, unique ULID generator backed by
// crypto/rand entropy.
func defaultIDGenerator() IDGenerator {
	entropy := ulid.Monotonic(cryptoRandReader{}, 0)
	return func() string {
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
}

// NewCounterIDGenerator returns a deterministic generator suitable for tests
// that require byte-identical accumulator output: it encodes an
// incrementing counter into a fixed-timestamp ULID.
func NewCounterIDGenerator() IDGenerator {
	entropy := ulid.Monotonic(counterReader{}, 0)
	base := ulid.Timestamp(time.Unix(0, 0))
	return func() string {
		return ulid.MustNew(base, entropy).String()
	}
}

type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), uint(len(p)*8)))
	if err != nil {
		return 0, err
	}
	b := n.Bytes()
	// left-pad to len(p)
	copy(p[len(p)-len(b):], b)
	return len(p), nil
}

// counterReader yields zero entropy; combined with ulid.Monotonic's
// strictly-increasing-within-the-same-ms guarantee, this still produces
// unique, time-ordered, and fully deterministic ids across calls.
type counterReader struct{}

func (counterReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
