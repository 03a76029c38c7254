package informant

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/libs/log"
)

type fakeStatus struct {
	mtx sync.Mutex
	st  blocksync.Status
}

func (f *fakeStatus) Status() blocksync.Status {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.st
}

func (f *fakeStatus) set(st blocksync.Status) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.st = st
}

type testSuite struct {
	inf    *Informant
	status *fakeStatus
	clock  *clock.Mock
	buf    *bytes.Buffer
}

func setup(t *testing.T) *testSuite {
	t.Helper()
	ts := &testSuite{
		status: &fakeStatus{},
		clock:  clock.NewMock(),
		buf:    &bytes.Buffer{},
	}
	logger, err := log.NewLogger(log.LogFormatJSON, log.LogLevelInfo, ts.buf)
	require.NoError(t, err)
	peers := p2p.NewPeerTable(log.NewNopLogger(), p2p.NopMetrics(), ts.clock, p2p.PeerTableOptions{})
	ts.inf = New(logger, ts.status, peers, 25, 5*time.Second, ts.clock)
	return ts
}

// messages returns the messages logged since the last call.
func (ts *testSuite) messages(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	scanner := bufio.NewScanner(ts.buf)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		out = append(out, line)
	}
	ts.buf.Reset()
	return out
}

func TestInformant_QuietWhileIdle(t *testing.T) {
	ts := setup(t)

	ts.clock.Add(5 * time.Second)
	ts.inf.Tick()
	assert.Empty(t, ts.messages(t))

	ts.clock.Add(25 * time.Second)
	ts.inf.Tick()
	msgs := ts.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "idle", msgs[0]["message"])
	assert.EqualValues(t, 25, msgs[0]["ideal_peers"])
}

func TestInformant_ReportsWhileSyncing(t *testing.T) {
	ts := setup(t)
	blocks := factory.Chain(10, 10)
	ts.status.set(blocksync.Status{
		State:  blocksync.StateDownloadingBodies,
		Tip:    blocks[10].Header.Head(),
		Queued: map[blocksync.Stage]int{blocksync.StageAncestryResolved: 4, blocksync.StageReadyToImport: 2},
	})

	for _, b := range blocks[1:] {
		ts.inf.OnNewHead(blocksync.NewHead{Head: b.Header.Head(), Block: b})
	}
	ts.messages(t)

	ts.clock.Add(5 * time.Second)
	ts.inf.Tick()
	msgs := ts.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "syncing", msgs[0]["message"])
	assert.EqualValues(t, 10, msgs[0]["height"])
	assert.EqualValues(t, 2, msgs[0]["blocks/s"])
	assert.EqualValues(t, 4, msgs[0]["txs/s"])
	assert.EqualValues(t, 4, msgs[0]["unverified"])
	assert.EqualValues(t, 2, msgs[0]["verified"])

	// too early for the next one
	ts.clock.Add(time.Second)
	ts.inf.Tick()
	assert.Empty(t, ts.messages(t))
}

func TestInformant_ImportLogIsRateLimited(t *testing.T) {
	ts := setup(t)
	blocks := factory.Chain(3, 10)
	ts.clock.Add(time.Second)

	ts.inf.OnNewHead(blocksync.NewHead{Head: blocks[1].Header.Head(), Block: blocks[1]})
	ts.inf.OnNewHead(blocksync.NewHead{Head: blocks[2].Header.Head(), Block: blocks[2]})
	ts.clock.Add(time.Second)
	ts.inf.OnNewHead(blocksync.NewHead{Head: blocks[3].Header.Head(), Block: blocks[3], Reverted: 2})

	msgs := ts.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "imported", msgs[0]["message"])
	assert.EqualValues(t, 1, msgs[0]["height"])
	assert.Equal(t, "reorganized", msgs[1]["message"])
	assert.EqualValues(t, 2, msgs[1]["reverted"])
	assert.Equal(t, "imported", msgs[2]["message"])
	assert.EqualValues(t, 3, msgs[2]["height"])
	assert.EqualValues(t, 1, msgs[2]["skipped"])
}
