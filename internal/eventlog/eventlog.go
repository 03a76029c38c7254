// Package eventlog keeps a bounded log of recent canonical head changes.
// Readers address items by a monotonic cursor, so a reader that was
// interrupted can resume where it left off as long as its cursor has not
// been pruned.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/chainsync/types"
)

var (
	// ErrStopScan is returned by a Scan callback to end the scan early.
	ErrStopScan = errors.New("stop scanning")

	// ErrLogPruned is returned by Add when adding the item pruned older ones.
	ErrLogPruned = errors.New("log pruned")
)

// Cursor identifies an item of the log. Cursors increase with every item;
// the zero cursor precedes all items.
type Cursor uint64

// IsZero reports whether c is the zero cursor.
func (c Cursor) IsZero() bool { return c == 0 }

// String returns the cursor as fixed-width hex.
func (c Cursor) String() string { return fmt.Sprintf("%016x", uint64(c)) }

// Item is a canonical head change.
type Item struct {
	Cursor Cursor
	Head   types.Head
	// Reverted is the number of blocks reverted right before Head was
	// applied.
	Reverted int
	Time     time.Time
}

// Info describes the contents of the log.
type Info struct {
	Oldest Cursor // zero when the log is empty
	Newest Cursor // zero when the log is empty
	Size   int
}

// LogSettings configures a Log.
type LogSettings struct {
	// MaxItems bounds the number of items kept. It must be positive.
	MaxItems int

	// Clock stamps items. Defaults to the wall clock.
	Clock clock.Clock

	Metrics *Metrics
}

// Log is a bounded, append-only log of head changes. It is safe for
// concurrent use.
type Log struct {
	maxItems int
	clock    clock.Clock
	metrics  *Metrics

	mtx   sync.Mutex
	items []*Item // oldest first; never modified in place
	next  Cursor
	ready chan struct{} // closed and replaced by Add
}

// New returns a new, empty log.
func New(opts LogSettings) (*Log, error) {
	if opts.MaxItems <= 0 {
		return nil, errors.New("max items must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	return &Log{
		maxItems: opts.MaxItems,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		next:     1,
		ready:    make(chan struct{}),
	}, nil
}

// Add appends a head change. If the log was full, the oldest item is
// pruned and ErrLogPruned is returned; the new item is added regardless.
func (lg *Log) Add(head types.Head, reverted int) error {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()

	lg.items = append(lg.items, &Item{
		Cursor:   lg.next,
		Head:     head,
		Reverted: reverted,
		Time:     lg.clock.Now(),
	})
	lg.next++

	var err error
	if n := len(lg.items) - lg.maxItems; n > 0 {
		lg.items = lg.items[n:]
		err = ErrLogPruned
	}
	lg.metrics.NumItems.Set(float64(len(lg.items)))

	close(lg.ready)
	lg.ready = make(chan struct{})
	return err
}

// Info returns the current state of the log.
func (lg *Log) Info() Info {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()
	return lg.infoLocked()
}

func (lg *Log) infoLocked() Info {
	if len(lg.items) == 0 {
		return Info{}
	}
	return Info{
		Oldest: lg.items[0].Cursor,
		Newest: lg.items[len(lg.items)-1].Cursor,
		Size:   len(lg.items),
	}
}

// Scan calls f with each item of the log, newest first, until f returns an
// error. If that error is ErrStopScan, Scan returns nil.
func (lg *Log) Scan(f func(*Item) error) (Info, error) {
	lg.mtx.Lock()
	items := lg.items
	info := lg.infoLocked()
	lg.mtx.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		if err := f(items[i]); err != nil {
			if errors.Is(err, ErrStopScan) {
				return info, nil
			}
			return info, err
		}
	}
	return info, nil
}

// WaitScan blocks until the newest item of the log is not cur, then scans
// like Scan. It returns early with ctx's error.
func (lg *Log) WaitScan(ctx context.Context, cur Cursor, f func(*Item) error) (Info, error) {
	for {
		lg.mtx.Lock()
		newest := lg.infoLocked().Newest
		ready := lg.ready
		lg.mtx.Unlock()

		if newest != cur && !newest.IsZero() {
			return lg.Scan(f)
		}
		select {
		case <-ctx.Done():
			return Info{}, ctx.Err()
		case <-ready:
		}
	}
}

// After returns up to max items newer than cur, oldest first, and whether
// items between cur and the first returned one were pruned.
func (lg *Log) After(cur Cursor, max int) (items []*Item, pruned bool) {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()

	if len(lg.items) == 0 {
		return nil, false
	}
	oldest := lg.items[0].Cursor
	start := 0
	if cur >= oldest {
		start = int(cur-oldest) + 1
	}
	pruned = cur+1 < oldest
	if start >= len(lg.items) {
		return nil, pruned
	}
	end := len(lg.items)
	if max > 0 && end-start > max {
		end = start + max
	}
	return append([]*Item(nil), lg.items[start:end]...), pruned
}

// Wait returns a channel closed by the next Add.
func (lg *Log) Wait() <-chan struct{} {
	lg.mtx.Lock()
	defer lg.mtx.Unlock()
	return lg.ready
}
