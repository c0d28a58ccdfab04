package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/reconcile"
	"github.com/runledger/runledger/runledger"
	"github.com/runledger/runledger/runledger/inmem"
)

func TestSweepRecoversStaleRuns(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	r1, err := store.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	r2, err := store.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = store.ActivateRun(ctx, r2.RunID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	succeeded, failed := reconcile.Sweep(ctx, store, runledger.RecoverFail, reconcile.SweepOptions{OlderThan: time.Millisecond})
	require.Empty(t, failed)
	require.ElementsMatch(t, []string{r1.RunID, r2.RunID}, succeeded)

	got1, err := store.GetRun(ctx, r1.RunID)
	require.NoError(t, err)
	require.Equal(t, ledgermodel.RunFailed, got1.Status)
}

func TestSweepSkipsNonStaleRuns(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, err := store.BeginRun(ctx, runledger.BeginRunOptions{ThreadID: "t1"})
	require.NoError(t, err)

	succeeded, failed := reconcile.Sweep(ctx, store, runledger.RecoverFail, reconcile.SweepOptions{OlderThan: reconcile.DefaultStaleThreshold})
	require.Empty(t, succeeded)
	require.Empty(t, failed)
}
