package eventlog_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/tendermint/chainsync/internal/eventlog"
	"github.com/tendermint/chainsync/types"
)

func head(height uint64) types.Head {
	return types.Head{
		Hash:   types.Keccak256Hash([]byte(fmt.Sprint(height))),
		Height: height,
		Weight: types.NewWeight(height * 10),
	}
}

func TestNewError(t *testing.T) {
	lg, err := eventlog.New(eventlog.LogSettings{})
	if err == nil {
		t.Fatalf("New: got %+v, wanted error", lg)
	} else {
		t.Logf("New: got expected error: %v", err)
	}
}

func TestPruneSize(t *testing.T) {
	const maxItems = 5
	clk := clock.NewMock()
	lg, err := eventlog.New(eventlog.LogSettings{MaxItems: maxItems, Clock: clk})
	if err != nil {
		t.Fatalf("New unexpectedly failed: %v", err)
	}

	for i := 1; i <= maxItems; i++ {
		if err := lg.Add(head(uint64(i)), 0); err != nil {
			t.Fatalf("Add %d: unexpected error: %v", i, err)
		}
		clk.Add(time.Second)
	}
	if err := lg.Add(head(6), 0); !errors.Is(err, eventlog.ErrLogPruned) {
		t.Fatalf("Add past the cap: got %v, want %v", err, eventlog.ErrLogPruned)
	}

	want := eventlog.Info{Oldest: 2, Newest: 6, Size: maxItems}
	if diff := cmp.Diff(want, lg.Info()); diff != "" {
		t.Errorf("Info after pruning: (-want, +got)\n%s", diff)
	}

	var got []uint64
	if _, err := lg.Scan(func(itm *eventlog.Item) error {
		got = append(got, itm.Head.Height)
		return nil
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if diff := cmp.Diff([]uint64{6, 5, 4, 3, 2}, got); diff != "" {
		t.Errorf("Scan order: (-want, +got)\n%s", diff)
	}
}

func TestAfter(t *testing.T) {
	lg, err := eventlog.New(eventlog.LogSettings{MaxItems: 4})
	if err != nil {
		t.Fatalf("New unexpectedly failed: %v", err)
	}
	if items, pruned := lg.After(0, 0); len(items) != 0 || pruned {
		t.Errorf("After on an empty log: got %d items, pruned %v", len(items), pruned)
	}
	for i := uint64(1); i <= 6; i++ {
		_ = lg.Add(head(i), 0)
	}

	heights := func(items []*eventlog.Item) []uint64 {
		out := []uint64{}
		for _, itm := range items {
			out = append(out, itm.Head.Height)
		}
		return out
	}

	tests := []struct {
		cur        eventlog.Cursor
		max        int
		want       []uint64
		wantPruned bool
	}{
		{0, 0, []uint64{3, 4, 5, 6}, true},
		{2, 0, []uint64{3, 4, 5, 6}, false},
		{4, 0, []uint64{5, 6}, false},
		{4, 1, []uint64{5}, false},
		{6, 0, []uint64{}, false},
	}
	for _, tc := range tests {
		items, pruned := lg.After(tc.cur, tc.max)
		if diff := cmp.Diff(tc.want, heights(items)); diff != "" {
			t.Errorf("After(%v, %d): (-want, +got)\n%s", tc.cur, tc.max, diff)
		}
		if pruned != tc.wantPruned {
			t.Errorf("After(%v, %d): pruned = %v, want %v", tc.cur, tc.max, pruned, tc.wantPruned)
		}
	}
}

func TestWaitScanCanceled(t *testing.T) {
	defer leaktest.Check(t)()

	lg, err := eventlog.New(eventlog.LogSettings{MaxItems: 4})
	if err != nil {
		t.Fatalf("New unexpectedly failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = lg.WaitScan(ctx, 0, func(*eventlog.Item) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitScan on an empty log: got %v, want %v", err, context.DeadlineExceeded)
	}
}

// Run a publisher and concurrent subscribers to tickle the race detector with
// concurrent add and scan operations.
func TestConcurrent(t *testing.T) {
	defer leaktest.Check(t)()
	if testing.Short() {
		t.Skip("Skipping concurrency exercise because -short is set")
	}

	lg, err := eventlog.New(eventlog.LogSettings{MaxItems: 64})
	if err != nil {
		t.Fatalf("New unexpectedly failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// Publisher: add heads at random intervals.
	wg.Add(1)
	go func() {
		defer wg.Done()

		tick := time.NewTimer(0)
		defer tick.Stop()
		for height := uint64(1); ; height++ {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				_ = lg.Add(head(height), 0)
				tick.Reset(time.Duration(rand.Intn(50)) * time.Millisecond)
			}
		}
	}()

	// Subscribers: wait for the newest cursor to change, then scan down to
	// the last one seen.
	const numSubs = 16
	for i := 0; i < numSubs; i++ {
		task := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			tick := time.NewTimer(0)
			defer tick.Stop()
			var cur eventlog.Cursor
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					tick.Reset(time.Duration(rand.Intn(150)) * time.Millisecond)
				}

				info, err := lg.WaitScan(ctx, cur, func(itm *eventlog.Item) error {
					if itm.Cursor == cur {
						return eventlog.ErrStopScan
					}
					return nil
				})
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						t.Errorf("Wait scan for task %d failed: %v", task, err)
					}
					return
				}
				cur = info.Newest
			}
		}()
	}

	time.AfterFunc(time.Second, cancel)
	wg.Wait()
}
