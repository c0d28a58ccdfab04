// Package reconcile implements stale-run reconciliation:
// listStaleRuns/recoverAllStaleRuns with a default 5-minute threshold and
// collect-failures-continue-sweep semantics, safe to run as a periodic
// background task.
package reconcile

import (
	"context"
	"time"

	"github.com/runledger/runledger/runledger"
	"github.com/runledger/runledger/telemetry"
)

// DefaultStaleThreshold is the default staleness window for listStaleRuns.
const DefaultStaleThreshold = 5 * time.Minute

// SweepOptions configures one Sweep call.
type SweepOptions struct {
	ThreadID      string // empty means all threads
	OlderThan     time.Duration // defaults to DefaultStaleThreshold if zero
	Logger        telemetry.Logger
}

// Sweep lists stale runs and calls RecoverRun(action) on each. It continues
// past individual failures, returning the run ids that succeeded and the
// ones that failed separately so callers can retry or alert on the latter.
func Sweep(ctx context.Context, store runledger.Store, action runledger.RecoverAction, opts SweepOptions) (succeeded, failed []string) {
	threshold := opts.OlderThan
	if threshold == 0 {
		threshold = DefaultStaleThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	stale, err := store.ListStaleRuns(ctx, opts.ThreadID, threshold)
	if err != nil {
		logger.Error(ctx, "reconcile: listStaleRuns failed", "err", err)
		return nil, nil
	}

	for _, info := range stale {
		if _, err := store.RecoverRun(ctx, info.RunID, action); err != nil {
			logger.Warn(ctx, "reconcile: recoverRun failed", "runId", info.RunID, "err", err)
			failed = append(failed, info.RunID)
			continue
		}
		succeeded = append(succeeded, info.RunID)
	}
	return succeeded, failed
}
