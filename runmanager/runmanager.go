// Package runmanager implements the thin run-lifecycle coordinator: it
// composes an eventstore.Store, a runledger.Store, and the accumulator into
// the three top-level operations an embedding application calls.
//
// Grounded on run.Context/run.Handle's orchestration shape
// (runtime/agent/run/run.go), generalized from a single run.Store coupling
// to an explicit two-store composition (event store for the in-flight
// stream, ledger store for the committed transcript).
package runmanager

import (
	"context"

	"github.com/runledger/runledger/accumulator"
	"github.com/runledger/runledger/eventstore"
	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledger"
	"github.com/runledger/runledger/runledgererr"
	"github.com/runledger/runledger/telemetry"
)

// Manager coordinates run lifecycle across the event store and ledger
// store. The zero value is not usable; construct with New.
type Manager struct {
	events eventstore.Store
	ledger runledger.Store
	logger telemetry.Logger
}

// Options configures a Manager.
type Options struct {
	Logger telemetry.Logger // defaults to telemetry.NoopLogger{}
}

// New constructs a Manager over the given stores.
func New(events eventstore.Store, ledger runledger.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Manager{events: events, ledger: ledger, logger: logger}
}

// BeginRun begins then activates a run. If activation fails after begin
// succeeds, it attempts to fail the orphaned run via RecoverRun; if that
// recovery also fails, the run is left for the reconciler to pick up, and
// the original activation error is still what's returned.
func (m *Manager) BeginRun(ctx context.Context, opts runledger.BeginRunOptions) (ledgermodel.RunRecord, error) {
	rec, err := m.ledger.BeginRun(ctx, opts)
	if err != nil {
		return ledgermodel.RunRecord{}, err
	}
	active, err := m.ledger.ActivateRun(ctx, rec.RunID)
	if err != nil {
		if _, recErr := m.ledger.RecoverRun(ctx, rec.RunID, runledger.RecoverFail); recErr != nil {
			m.logger.Error(ctx, "runmanager: orphan recovery after activate failure also failed",
				"runId", rec.RunID, "activateErr", err, "recoverErr", recErr)
		}
		return ledgermodel.RunRecord{}, err
	}
	return active, nil
}

// AppendEvents appends events to runID's stream. Rejects with InvalidState
// unless the run's status is active (created or streaming).
func (m *Manager) AppendEvents(ctx context.Context, runID string, events []ledgermodel.Event) ([]ledgermodel.StoredEvent, error) {
	rec, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.RunID == "" {
		return nil, runledgererr.New(runledgererr.NotFound, "runmanager.AppendEvents", nil)
	}
	if !rec.Status.Active() {
		return nil, runledgererr.New(runledgererr.InvalidState, "runmanager.AppendEvents", nil)
	}
	return m.events.Append(ctx, rec.StreamID, events)
}

// FinalizeRun finalizes runID. For target=committed, it replays the run's
// full event stream, runs the accumulator, and commits the resulting
// messages; for any other target it finalizes without messages.
func (m *Manager) FinalizeRun(ctx context.Context, runID string, target ledgermodel.RunStatus) (runledger.FinalizeResult, error) {
	rec, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		return runledger.FinalizeResult{}, err
	}
	if rec.RunID == "" {
		return runledger.FinalizeResult{}, runledgererr.New(runledgererr.NotFound, "runmanager.FinalizeRun", nil)
	}

	if target != ledgermodel.RunCommitted {
		return m.ledger.FinalizeRun(ctx, runledger.FinalizeOptions{RunID: runID, Target: target})
	}

	stored, err := m.events.Replay(ctx, rec.StreamID, eventstore.ReplayOptions{})
	if err != nil {
		return runledger.FinalizeResult{}, err
	}
	messages, err := accumulator.Accumulate(stored, accumulator.Options{ForkFromMessageID: rec.ForkFromMessageID})
	if err != nil {
		m.logger.Warn(ctx, "runmanager: accumulator reported a stream error; committing messages flushed before it",
			"runId", runID, "err", err)
	}
	return m.ledger.FinalizeRun(ctx, runledger.FinalizeOptions{RunID: runID, Target: ledgermodel.RunCommitted, Messages: messages})
}
