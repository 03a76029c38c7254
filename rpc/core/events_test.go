package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/eventlog"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/rpc/coretypes"
	"github.com/tendermint/chainsync/types"
)

func newTestEnv(t *testing.T, window int) (*Environment, []*types.Block) {
	t.Helper()
	lg, err := eventlog.New(eventlog.LogSettings{MaxItems: window})
	require.NoError(t, err)
	env := &Environment{
		EventLog: lg,
		Logger:   log.NewNopLogger(),
		Config:   config.TestRPCConfig(),
	}
	return env, factory.Chain(20, 10)
}

func addHeads(t *testing.T, lg *eventlog.Log, blocks []*types.Block) {
	t.Helper()
	for _, b := range blocks {
		_ = lg.Add(b.Header.Head(), 0)
	}
}

func TestSubscribeNewHeads_IsLazy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, blocks := newTestEnv(t, 100)
	sub, err := env.SubscribeNewHeads(ctx, 0)
	require.NoError(t, err)

	// heads added after subscribing are seen
	addHeads(t, env.EventLog, blocks[1:4])
	for h := uint64(1); h <= 3; h++ {
		item, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, h, item.Height)
		assert.Equal(t, blocks[h].Hash(), item.Hash)
		assert.False(t, item.Gap)
	}

	// nothing more: Next blocks until the context ends
	wctx, wcancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer wcancel()
	_, err = sub.Next(wctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// and wakes up for a new head
	done := make(chan *coretypes.HeadItem)
	go func() {
		item, err := sub.Next(ctx)
		if err == nil {
			done <- item
		}
	}()
	addHeads(t, env.EventLog, blocks[4:5])
	select {
	case item := <-done:
		assert.EqualValues(t, 4, item.Height)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for head")
	}
}

func TestSubscribeNewHeads_FromHeight(t *testing.T) {
	ctx := context.Background()
	env, blocks := newTestEnv(t, 100)
	addHeads(t, env.EventLog, blocks[1:11])

	sub, err := env.SubscribeNewHeads(ctx, 7)
	require.NoError(t, err)
	item, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, item.Height)

	// after the start, heights below fromHeight are delivered too
	_ = env.EventLog.Add(blocks[5].Header.Head(), 5)
	var got []uint64
	for i := 0; i < 4; i++ {
		item, err := sub.Next(ctx)
		require.NoError(t, err)
		got = append(got, item.Height)
	}
	assert.Equal(t, []uint64{8, 9, 10, 5}, got)
}

func TestResumeNewHeads(t *testing.T) {
	ctx := context.Background()
	env, blocks := newTestEnv(t, 5)
	addHeads(t, env.EventLog, blocks[1:4])

	sub, err := env.SubscribeNewHeads(ctx, 0)
	require.NoError(t, err)
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Height)

	// restart from the cursor of the last item seen
	resumed, err := env.ResumeNewHeads(ctx, first.Cursor)
	require.NoError(t, err)
	item, err := resumed.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, item.Height)
	assert.False(t, item.Gap)

	// items after the cursor are pruned: the next item reports a gap
	addHeads(t, env.EventLog, blocks[4:10])
	resumed, err = env.ResumeNewHeads(ctx, first.Cursor)
	require.NoError(t, err)
	item, err = resumed.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, item.Height)
	assert.True(t, item.Gap)

	_, err = env.ResumeNewHeads(ctx, "not-a-cursor")
	require.ErrorIs(t, err, coretypes.ErrInvalidCursor)
}

func TestSubscribeNewHeads_Disabled(t *testing.T) {
	env := &Environment{Logger: log.NewNopLogger(), Config: config.TestRPCConfig()}
	_, err := env.SubscribeNewHeads(context.Background(), 0)
	require.ErrorIs(t, err, coretypes.ErrEventLogDisabled)
	_, err = env.Heads(context.Background(), &coretypes.RequestHeads{})
	require.ErrorIs(t, err, coretypes.ErrEventLogDisabled)
}

func TestHeads(t *testing.T) {
	ctx := context.Background()
	env, blocks := newTestEnv(t, 100)
	addHeads(t, env.EventLog, blocks[1:11])

	res, err := env.Heads(ctx, &coretypes.RequestHeads{MaxItems: 4})
	require.NoError(t, err)
	require.Len(t, res.Items, 4)
	assert.EqualValues(t, 1, res.Items[0].Height)
	assert.EqualValues(t, 4, res.Items[3].Height)
	assert.Equal(t, res.Items[3].Cursor, res.Cursor)

	res, err = env.Heads(ctx, &coretypes.RequestHeads{After: res.Cursor})
	require.NoError(t, err)
	require.Len(t, res.Items, 6)
	assert.EqualValues(t, 10, res.Items[5].Height)

	// caught up: waits, then returns no items and the same cursor
	cursor := res.Cursor
	res, err = env.Heads(ctx, &coretypes.RequestHeads{After: cursor, WaitTimeMS: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, cursor, res.Cursor)
	assert.Equal(t, cursor, res.Newest)
}
