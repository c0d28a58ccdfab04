package runledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/runledger"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := runledger.NewInmemSessionStore()

	sess, err := s.CreateSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, runledger.SessionActive, sess.Status)

	again, err := s.CreateSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, sess.CreatedAt, again.CreatedAt)

	ended, err := s.EndSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, runledger.SessionEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	// Idempotent.
	ended2, err := s.EndSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, ended.EndedAt, ended2.EndedAt)

	_, err = s.CreateSession(ctx, "s1")
	require.Error(t, err)

	_, err = s.LoadSession(ctx, "missing")
	require.Error(t, err)
}
