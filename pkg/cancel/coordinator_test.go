package cancel

import (
	"context"
	"fetchkit/pkg/common"
	"fetchkit/pkg/state"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelSignalsAndRecords(t *testing.T) {
	store := state.New("")
	_, err := store.Create("d1", "f", "https://h/f", "http")
	require.NoError(t, err)
	require.NoError(t, store.SetStatus("d1", common.StatusDownloading))
	_, err = store.SetProgress("d1", 35)
	require.NoError(t, err)

	c := New(store)
	ctx, err := c.Begin(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, c.Active())

	require.NoError(t, c.Cancel("d1"))
	<-ctx.Done()
	assert.True(t, Cancelled(ctx))
	assert.Empty(t, c.Active())

	rec, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, rec.Status)
	assert.Equal(t, 0.0, rec.Progress)
	assert.Equal(t, UserMessage, rec.Error)
}

func TestCancelUnknownID(t *testing.T) {
	c := New(nil)
	assert.ErrorIs(t, c.Cancel("ghost"), ErrNotFound)

	_, err := c.Begin(context.Background(), "once")
	require.NoError(t, err)
	require.NoError(t, c.Cancel("once"))
	assert.ErrorIs(t, c.Cancel("once"), ErrNotFound)
}

func TestBeginDuplicate(t *testing.T) {
	c := New(nil)
	_, err := c.Begin(context.Background(), "a")
	require.NoError(t, err)
	_, err = c.Begin(context.Background(), "a")
	assert.ErrorIs(t, err, ErrActive)
}

func TestReleaseIsNotCancellation(t *testing.T) {
	c := New(nil)
	ctx, err := c.Begin(context.Background(), "r")
	require.NoError(t, err)

	c.Release("r")
	c.Release("r")
	<-ctx.Done()
	assert.False(t, Cancelled(ctx))
	assert.Empty(t, c.Active())

	// the id can be reused once released
	_, err = c.Begin(context.Background(), "r")
	assert.NoError(t, err)
}

func TestCancelAll(t *testing.T) {
	c := New(nil)
	var ctxs []context.Context
	for _, id := range []string{"a", "b", "c"} {
		ctx, err := c.Begin(context.Background(), id)
		require.NoError(t, err)
		ctxs = append(ctxs, ctx)
	}

	assert.Equal(t, 3, c.CancelAll())
	for _, ctx := range ctxs {
		<-ctx.Done()
		assert.True(t, Cancelled(ctx))
	}
	assert.Empty(t, c.Active())
}

func TestCancelRecordsErrorForFinishedDownload(t *testing.T) {
	store := state.New("")
	_, err := store.Create("late", "f", "https://h/f", "http")
	require.NoError(t, err)
	_, err = store.Complete("late", "/tmp/f")
	require.NoError(t, err)

	c := New(store)
	_, err = c.Begin(context.Background(), "late")
	require.NoError(t, err)

	err = c.Cancel("late")
	assert.ErrorIs(t, err, state.ErrTerminal)

	rec, _ := store.Get("late")
	assert.Equal(t, common.StatusCompleted, rec.Status)
}
