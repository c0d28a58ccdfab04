// Package temporal wraps reconcile.Sweep as a Temporal workflow/activity
// pair runnable on a cron schedule, mirroring engine/temporal's pattern of
// running agent-runtime concerns as Temporal workflows instead of ad hoc
// goroutine tickers. This is the mechanism by which recoverAllStaleRuns is
// "safe to run as a periodic background task" in a crash-recoverable way.
package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/runledger/runledger/reconcile"
	"github.com/runledger/runledger/runledger"
)

// TaskQueue is the default Temporal task queue the worker in RegisterWith
// registers against.
const TaskQueue = "runledger-reconcile"

// SweepWorkflowName is the registered workflow name, usable with a
// client.ScheduleClient cron schedule.
const SweepWorkflowName = "runledger.ReconcileSweep"

// SweepActivityInput is the activity's input payload. Temporal requires
// activity inputs/outputs to be serializable; runledger.Store itself is
// not, so the activity is bound to a concrete store via Activities.
type SweepActivityInput struct {
	ThreadID  string
	OlderThan time.Duration
	Action    runledger.RecoverAction
}

// SweepActivityOutput is the activity's output payload.
type SweepActivityOutput struct {
	Succeeded []string
	Failed    []string
}

// Activities binds reconcile.Sweep to a concrete runledger.Store for
// Temporal activity registration. Construct one per worker process.
type Activities struct {
	Store runledger.Store
}

// SweepActivity is the Temporal activity entry point.
func (a *Activities) SweepActivity(ctx context.Context, in SweepActivityInput) (SweepActivityOutput, error) {
	succeeded, failed := reconcile.Sweep(ctx, a.Store, in.Action, reconcile.SweepOptions{
		ThreadID:  in.ThreadID,
		OlderThan: in.OlderThan,
	})
	return SweepActivityOutput{Succeeded: succeeded, Failed: failed}, nil
}

// SweepWorkflow executes one SweepActivity attempt with a short retryable
// timeout; intended to be invoked periodically via a Temporal schedule
// rather than looped internally, keeping each execution's history small.
func SweepWorkflow(ctx workflow.Context, in SweepActivityInput) (SweepActivityOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out SweepActivityOutput
	var a *Activities
	err := workflow.ExecuteActivity(ctx, a.SweepActivity, in).Get(ctx, &out)
	return out, err
}

// RegisterWith registers SweepWorkflow and its bound activity on w, ready
// for w.Run. Callers are responsible for scheduling SweepWorkflowName on a
// cron via client.ScheduleClient.
func RegisterWith(w worker.Worker, acts *Activities) {
	w.RegisterWorkflowWithOptions(SweepWorkflow, workflow.RegisterOptions{Name: SweepWorkflowName})
	w.RegisterActivityWithOptions(acts.SweepActivity, activity.RegisterOptions{Name: "runledger.SweepActivity"})
}
