package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/metronome/internal/replica"
)

func put(t *testing.T, key string) replica.MergeFunc {
	t.Helper()
	el, err := replica.NewElement(key, map[string]string{"v": key}, time.Time{})
	require.NoError(t, err)
	return func(current replica.Values, found bool) (replica.Values, bool) {
		return replica.Values{el}, true
	}
}

func TestCluster_MajorityWriteVisibleEverywhere(t *testing.T) {
	c := NewCluster(3, time.Hour)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Replica(0).Update(ctx, "k", put(t, "a"), replica.WriteMajority))

	for i := 0; i < c.Size(); i++ {
		got, err := c.Replica(i).Get(ctx, "k", replica.ReadLocal)
		require.NoError(t, err)
		assert.True(t, got.Contains("a"))
	}
}

func TestCluster_LocalWritePropagatesAfterLag(t *testing.T) {
	c := NewCluster(2, 30*time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Replica(0).Update(ctx, "k", put(t, "a"), replica.WriteLocal))

	_, err := c.Replica(1).Get(ctx, "k", replica.ReadLocal)
	assert.ErrorIs(t, err, replica.ErrNotFound)

	got, err := c.Replica(1).Get(ctx, "k", replica.ReadMajority)
	require.NoError(t, err)
	assert.True(t, got.Contains("a"))

	assert.Eventually(t, func() bool {
		got, err := c.Replica(1).Get(ctx, "k", replica.ReadLocal)
		return err == nil && got.Contains("a")
	}, time.Second, 5*time.Millisecond)
}

func TestCluster_LastWriterWins(t *testing.T) {
	c := NewCluster(2, 20*time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Replica(0).Update(ctx, "k", put(t, "a"), replica.WriteLocal))
	require.NoError(t, c.Replica(1).Update(ctx, "k", put(t, "b"), replica.WriteLocal))

	assert.Eventually(t, func() bool {
		a, errA := c.Replica(0).Get(ctx, "k", replica.ReadLocal)
		b, errB := c.Replica(1).Get(ctx, "k", replica.ReadLocal)
		return errA == nil && errB == nil && a.Contains("b") && b.Contains("b")
	}, time.Second, 5*time.Millisecond)
}

func TestCluster_Delete(t *testing.T) {
	c := NewCluster(2, 0)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Replica(0).Update(ctx, "k", put(t, "a"), replica.WriteLocal))
	require.NoError(t, c.Replica(1).Update(ctx, "k", func(current replica.Values, found bool) (replica.Values, bool) {
		assert.True(t, found)
		assert.True(t, current.Contains("a"))
		return nil, false
	}, replica.WriteLocal))

	_, err := c.Replica(0).Get(ctx, "k", replica.ReadLocal)
	assert.ErrorIs(t, err, replica.ErrNotFound)
}

func TestCluster_GetReturnsCopy(t *testing.T) {
	c := NewCluster(1, 0)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Replica(0).Update(ctx, "k", put(t, "a"), replica.WriteLocal))
	got, err := c.Replica(0).Get(ctx, "k", replica.ReadLocal)
	require.NoError(t, err)
	got[0].Key = "mutated"

	again, err := c.Replica(0).Get(ctx, "k", replica.ReadLocal)
	require.NoError(t, err)
	assert.True(t, again.Contains("a"))
}

func TestCluster_CanceledContext(t *testing.T) {
	c := NewCluster(1, 0)
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, c.Replica(0).Update(ctx, "k", put(t, "a"), replica.WriteLocal))
	_, err := c.Replica(0).Get(ctx, "k", replica.ReadLocal)
	assert.ErrorIs(t, err, context.Canceled)
}
