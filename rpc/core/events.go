package core

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tendermint/chainsync/internal/eventlog"
	"github.com/tendermint/chainsync/rpc/coretypes"
	rpcserver "github.com/tendermint/chainsync/rpc/server"
)

const (
	// maxItemsPerCall bounds the items returned by one heads call.
	maxItemsPerCall = 100

	// maxWaitTime bounds how long a heads call waits for a new item.
	maxWaitTime = 30 * time.Second
)

// HeadSubscription is a lazy sequence of canonical head changes read from
// the event log. Nothing is buffered on behalf of the subscriber: items are
// read when Next is called. A subscription can be restarted from the
// cursor of the last item it returned.
type HeadSubscription struct {
	ID string

	log        *eventlog.Log
	fromHeight uint64
	cursor     eventlog.Cursor
	started    bool
}

func newHeadSubscription(lg *eventlog.Log, after eventlog.Cursor, fromHeight uint64) *HeadSubscription {
	return &HeadSubscription{
		ID:         uuid.NewString(),
		log:        lg,
		fromHeight: fromHeight,
		cursor:     after,
		started:    !after.IsZero(),
	}
}

// Cursor returns the cursor of the last item returned by Next, or the zero
// cursor if there was none.
func (s *HeadSubscription) Cursor() eventlog.Cursor { return s.cursor }

// Next blocks until the next head change is available or ctx ends.
func (s *HeadSubscription) Next(ctx context.Context) (*coretypes.HeadItem, error) {
	for {
		// Take the wait channel before reading so an Add in between is not
		// missed.
		ready := s.log.Wait()
		if item, ok := s.poll(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// poll returns the next head change without blocking.
func (s *HeadSubscription) poll() (*coretypes.HeadItem, bool) {
	for {
		items, pruned := s.log.After(s.cursor, 1)
		if len(items) == 0 {
			return nil, false
		}
		it := items[0]
		s.cursor = it.Cursor
		if !s.started && it.Head.Height < s.fromHeight {
			continue
		}
		gap := s.started && pruned
		s.started = true
		return &coretypes.HeadItem{
			Cursor:   it.Cursor.String(),
			Hash:     it.Head.Hash,
			Height:   it.Head.Height,
			Weight:   it.Head.Weight,
			Reverted: it.Reverted,
			Gap:      gap,
		}, true
	}
}

// SubscribeNewHeads returns a subscription to canonical head changes. The
// first item is the oldest retained change at or above fromHeight; later
// items follow every change, including those below fromHeight after a
// reorganization.
func (env *Environment) SubscribeNewHeads(ctx context.Context, fromHeight uint64) (*HeadSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if env.EventLog == nil {
		return nil, coretypes.ErrEventLogDisabled
	}
	return newHeadSubscription(env.EventLog, 0, fromHeight), nil
}

// ResumeNewHeads restarts a subscription after the item with the given
// cursor. If items after the cursor were pruned meanwhile, the first item
// returned is marked as following a gap.
func (env *Environment) ResumeNewHeads(ctx context.Context, after string) (*HeadSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if env.EventLog == nil {
		return nil, coretypes.ErrEventLogDisabled
	}
	cur, err := parseCursor(after)
	if err != nil {
		return nil, err
	}
	return newHeadSubscription(env.EventLog, cur, 0), nil
}

// Heads is the long-polling form of a head subscription. It returns the
// head changes after req.After, waiting up to req.WaitTimeMS for one if
// there are none yet.
func (env *Environment) Heads(ctx context.Context, req *coretypes.RequestHeads) (*coretypes.ResultHeads, error) {
	if env.EventLog == nil {
		return nil, coretypes.ErrEventLogDisabled
	}
	cur, err := parseCursor(req.After)
	if err != nil {
		return nil, err
	}
	maxItems := req.MaxItems
	if maxItems <= 0 || maxItems > maxItemsPerCall {
		maxItems = maxItemsPerCall
	}
	wait := time.Duration(req.WaitTimeMS) * time.Millisecond
	if wait > maxWaitTime {
		wait = maxWaitTime
	}

	sub := newHeadSubscription(env.EventLog, cur, req.FromHeight)
	res := &coretypes.ResultHeads{Items: []*coretypes.HeadItem{}}

	first, ok := sub.poll()
	if !ok && wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		first, err = sub.Next(wctx)
		cancel()
		switch {
		case err == nil:
			ok = true
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		default:
			return nil, err
		}
	}
	if ok {
		res.Items = append(res.Items, first)
		for len(res.Items) < maxItems {
			item, ok := sub.poll()
			if !ok {
				break
			}
			res.Items = append(res.Items, item)
		}
	}

	info := env.EventLog.Info()
	res.Cursor = sub.Cursor().String()
	res.Oldest = info.Oldest.String()
	res.Newest = info.Newest.String()
	return res, nil
}

// SubscribeNewHeadsWS starts pushing "new_head" notifications on the
// websocket the call arrived on, until the client unsubscribes or
// disconnects.
func (env *Environment) SubscribeNewHeadsWS(ctx context.Context, req *coretypes.RequestSubscribeNewHeads) (*coretypes.ResultSubscribeNewHeads, error) {
	callInfo := rpcserver.GetCallInfo(ctx)
	if callInfo == nil || callInfo.WSConn == nil {
		return nil, coretypes.ErrNotWebsocket
	}

	var (
		sub *HeadSubscription
		err error
	)
	if req.After != "" {
		sub, err = env.ResumeNewHeads(ctx, req.After)
	} else {
		sub, err = env.SubscribeNewHeads(ctx, req.FromHeight)
	}
	if err != nil {
		return nil, err
	}

	conn := callInfo.WSConn
	subCtx, cancel := context.WithCancel(conn.Context())
	if err := env.addSubscription(sub.ID, cancel); err != nil {
		cancel()
		return nil, err
	}
	conn.OnClose(func() { env.removeSubscription(sub.ID) })

	addr := callInfo.RemoteAddr()
	env.Logger.Info("subscribed to new heads", "remote", addr, "subscription", sub.ID)
	go func() {
		defer env.removeSubscription(sub.ID)
		for {
			item, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			if err := conn.Notify(subCtx, "new_head", &coretypes.NewHeadNotification{
				SubscriptionID: sub.ID,
				Head:           item,
			}); err != nil {
				env.Logger.Debug("failed to notify subscriber", "remote", addr, "err", err)
				return
			}
		}
	}()

	return &coretypes.ResultSubscribeNewHeads{SubscriptionID: sub.ID}, nil
}

// Unsubscribe ends a websocket head subscription.
func (env *Environment) Unsubscribe(ctx context.Context, req *coretypes.RequestUnsubscribe) (*coretypes.ResultUnsubscribe, error) {
	if !env.removeSubscription(req.SubscriptionID) {
		return nil, coretypes.ErrUnknownSubscription
	}
	return &coretypes.ResultUnsubscribe{}, nil
}

// NumSubscriptions returns the number of active websocket subscriptions.
func (env *Environment) NumSubscriptions() int {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return len(env.subs)
}

func (env *Environment) addSubscription(id string, cancel context.CancelFunc) error {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	if env.subs == nil {
		env.subs = make(map[string]context.CancelFunc)
	}
	if max := env.Config.MaxSubscriptionClients; max > 0 && len(env.subs) >= max {
		return coretypes.ErrSubscriptionLimit
	}
	env.subs[id] = cancel
	return nil
}

func (env *Environment) removeSubscription(id string) bool {
	env.mtx.Lock()
	cancel, ok := env.subs[id]
	delete(env.subs, id)
	env.mtx.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func parseCursor(s string) (eventlog.Cursor, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, coretypes.ErrInvalidCursor
	}
	return eventlog.Cursor(n), nil
}
