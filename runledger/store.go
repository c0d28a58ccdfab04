// Package runledger implements the ledger/run store: run lifecycle
// records, transcript persistence, fork-based supersession, and stale-run
// recovery. Grounded on runtime/agent/run.Store (run lifecycle) and
// runtime/agent/session.Store (session grouping), generalized onto an
// explicit six-state RunRecord and committed-message/ordinal model.
package runledger

import (
	"context"
	"time"

	"github.com/runledger/runledger/ledgermodel"
)

// BeginRunOptions configures beginRun.
type BeginRunOptions struct {
	ThreadID          string
	ForkFromMessageID *string
}

// FinalizeOptions configures finalizeRun.
type FinalizeOptions struct {
	RunID    string
	Target   ledgermodel.RunStatus // committed, failed, or cancelled
	Messages []ledgermodel.CanonicalMessage
}

// FinalizeResult reports the outcome of finalizeRun.
type FinalizeResult struct {
	Committed         bool
	SupersededRunIDs []string
}

// RecoverAction is the forced terminal transition applied by recoverRun.
type RecoverAction string

const (
	RecoverFail   RecoverAction = "fail"
	RecoverCancel RecoverAction = "cancel"
)

// RecoverResult reports the outcome of recoverRun.
type RecoverResult struct {
	RunID     string
	NewStatus ledgermodel.RunStatus
}

// BranchMode selects how getTranscript resolves forks.
type BranchMode string

const (
	// BranchAll returns every message in insertion-ordinal order.
	BranchAll BranchMode = "all"
	// BranchActive walks the tree preferring, at each fork, the most
	// recently inserted committed child (default).
	BranchActive BranchMode = "active"
)

// TranscriptOptions configures getTranscript.
type TranscriptOptions struct {
	ThreadID string
	Branch   BranchMode
	// Selections overrides the active-branch rule at specific fork points.
	// Only meaningful when Branch == "" or a caller explicitly wants
	// selection-aware resolution; an invalid or missing selection falls
	// back to the active-mode rule rather than erroring.
	Selections map[string]string // forkMessageId -> childMessageId
}

// StaleRunInfo describes one run eligible for reconciliation.
type StaleRunInfo struct {
	RunID     string
	ThreadID  string
	Status    ledgermodel.RunStatus
	CreatedAt time.Time
}

// ThreadTree is the derived node/fork-point view of getThreadTree.
type ThreadTree struct {
	Nodes      []ledgermodel.ThreadTreeNode
	ForkPoints []ledgermodel.ForkPoint
}

// Store is the ledger/run store contract. Implementations must
// serialize finalizeRun per runId (single-writer per run) and execute
// finalizeRun/deleteThread as a single atomic transaction.
type Store interface {
	// BeginRun creates a record with status=created, messageCount=0,
	// streamId="run:"+runId, finishedAt=nil. Never fails except on storage
	// errors.
	BeginRun(ctx context.Context, opts BeginRunOptions) (ledgermodel.RunRecord, error)

	// ActivateRun requires status=created and transitions to streaming.
	// Returns InvalidState otherwise, NotFound if unknown.
	ActivateRun(ctx context.Context, runID string) (ledgermodel.RunRecord, error)

	// FinalizeRun applies its idempotence/monotonicity rules in order,
	// inside a single atomic transaction.
	FinalizeRun(ctx context.Context, opts FinalizeOptions) (FinalizeResult, error)

	// GetRun returns the run, or a zero-value record with RunID=="" if
	// unknown.
	GetRun(ctx context.Context, runID string) (ledgermodel.RunRecord, error)

	// ListRuns returns runs for threadID ordered by CreatedAt ascending.
	ListRuns(ctx context.Context, threadID string) ([]ledgermodel.RunRecord, error)

	// GetTranscript resolves the branch-aware message list for a thread.
	GetTranscript(ctx context.Context, opts TranscriptOptions) ([]ledgermodel.CanonicalMessage, error)

	// GetThreadTree returns the derived node/fork-point view of a thread.
	GetThreadTree(ctx context.Context, threadID string) (ThreadTree, error)

	// ListStaleRuns filters to active-status runs older than olderThan.
	// threadID == "" means all threads.
	ListStaleRuns(ctx context.Context, threadID string, olderThan time.Duration) ([]StaleRunInfo, error)

	// RecoverRun requires an active status; forces a transition to
	// failed or cancelled with finishedAt=now.
	RecoverRun(ctx context.Context, runID string, action RecoverAction) (RecoverResult, error)

	// DeleteThread removes all runs, messages, and parts for threadID
	// atomically.
	DeleteThread(ctx context.Context, threadID string) error
}
