// Package ctxbuilder implements the context builder: a pure filter
// over a thread's active transcript, used to assemble model-ready context
// windows from the committed ledger.
package ctxbuilder

import (
	"context"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledger"
)

// Options configures Build. Zero-value Options means "no filtering":
// includeToolResults and includeReasoning default to true via pointer
// fields the caller leaves nil.
type Options struct {
	MaxMessages        int
	IncludeToolResults *bool // defaults to true
	IncludeReasoning   *bool // defaults to true
}

func (o Options) includeToolResults() bool {
	return o.IncludeToolResults == nil || *o.IncludeToolResults
}

func (o Options) includeReasoning() bool {
	return o.IncludeReasoning == nil || *o.IncludeReasoning
}

// Provenance describes where a BuiltContext's messages came from.
type Provenance struct {
	ThreadID       string
	MessageCount   int
	FirstMessageID string
	LastMessageID  string
}

// BuiltContext is the result of Build.
type BuiltContext struct {
	Messages   []ledgermodel.CanonicalMessage
	Provenance Provenance
}

// Build fetches the thread's active transcript and applies the filter:
// drop parts by kind, drop any message left with no parts after filtering,
// then keep only the trailing MaxMessages if positive. The only I/O is the
// single transcript fetch; everything else is pure.
func Build(ctx context.Context, store runledger.Store, threadID string, opts Options) (BuiltContext, error) {
	messages, err := store.GetTranscript(ctx, runledger.TranscriptOptions{ThreadID: threadID, Branch: runledger.BranchActive})
	if err != nil {
		return BuiltContext{}, err
	}

	filtered := make([]ledgermodel.CanonicalMessage, 0, len(messages))
	for _, m := range messages {
		parts := make([]ledgermodel.CanonicalPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Kind == ledgermodel.PartToolResult && !opts.includeToolResults() {
				continue
			}
			if p.Kind == ledgermodel.PartReasoning && !opts.includeReasoning() {
				continue
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}
		m.Parts = parts
		filtered = append(filtered, m)
	}

	if opts.MaxMessages > 0 && len(filtered) > opts.MaxMessages {
		filtered = filtered[len(filtered)-opts.MaxMessages:]
	}

	prov := Provenance{ThreadID: threadID, MessageCount: len(filtered)}
	if len(filtered) > 0 {
		prov.FirstMessageID = filtered[0].ID
		prov.LastMessageID = filtered[len(filtered)-1].ID
	}

	return BuiltContext{Messages: filtered, Provenance: prov}, nil
}
