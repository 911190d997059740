package node

import (
	"context"
	"sync"
	"testing"

	"github.com/nexusdb/waljournal/core"
	"github.com/nexusdb/waljournal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu           sync.Mutex
	flushed      map[int64]FlushState
	submitted    []int64
	locked       map[string]bool
	snapshotData []byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		flushed: make(map[int64]FlushState),
		locked:  make(map[string]bool),
	}
}

func (f *fakeStorage) SubmitFlush(ctx context.Context, tsFilePath string, memtableID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, memtableID)
	f.flushed[memtableID] = FlushStateFlushed
	return nil
}

func (f *fakeStorage) FlushStatus(memtableID int64) FlushState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.flushed[memtableID]; ok {
		return s
	}
	return FlushStateWorking
}

func (f *fakeStorage) LockRegion(tsFilePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[tsFilePath] = true
}

func (f *fakeStorage) UnlockRegion(tsFilePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[tsFilePath] = false
}

func (f *fakeStorage) CaptureSnapshot(ctx context.Context, memtableID int64) ([]byte, core.CompressionType, error) {
	compressed, err := wal.CompressSnapshot(core.CompressionSnappy, f.snapshotData)
	if err != nil {
		return nil, core.CompressionNone, err
	}
	return compressed, core.CompressionSnappy, nil
}

func openTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	cfg, err := wal.Load(nil)
	require.NoError(t, err)
	n, err := Open("test-node", dir, cfg, newFakeStorage(), nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNode_LogAndGetReq(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	listener := n.Log(ctx, 1, &core.InsertRowRequest{
		SearchIndex: 10,
		Device:      "dev-1",
		Timestamp:   1000,
		Payload:     []byte("row-payload"),
	})
	require.NoError(t, listener.Wait(ctx))

	// A group at end-of-file stays open until something closes it — log a
	// later entry so search_index 10 is confirmed complete.
	closer := n.Log(ctx, 1, &core.InsertRowRequest{
		SearchIndex: 11,
		Device:      "dev-1",
		Timestamp:   1001,
		Payload:     []byte("row-payload-2"),
	})
	require.NoError(t, closer.Wait(ctx))

	req, ok := n.GetReq(10)
	require.True(t, ok)
	row, ok := req.(*core.InsertRowRequest)
	require.True(t, ok)
	assert.Equal(t, "dev-1", row.Device)
	assert.Equal(t, int64(1000), row.Timestamp)
}

func TestNode_GetReqs_ReturnsInOrder(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	// Log one extra trailing entry (index 3) so that index 2's group closes
	// and becomes reconstructible; index 3 itself stays open and unread.
	for i := int64(0); i < 4; i++ {
		listener := n.Log(ctx, 1, &core.InsertRowRequest{
			SearchIndex: i,
			Device:      "dev-1",
			Timestamp:   i,
			Payload:     []byte("p"),
		})
		require.NoError(t, listener.Wait(ctx))
	}

	reqs := n.GetReqs(0, 3)
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, int64(i), r.GetSearchIndex())
	}
}

func TestNode_SafelyDeletedSearchIndex_Monotonic(t *testing.T) {
	n := openTestNode(t)

	assert.Equal(t, core.NoSearchIndex, n.SafelyDeletedSearchIndex())
	n.SetSafelyDeletedSearchIndex(5)
	assert.Equal(t, int64(5), n.SafelyDeletedSearchIndex())
	n.SetSafelyDeletedSearchIndex(2) // must not regress
	assert.Equal(t, int64(5), n.SafelyDeletedSearchIndex())
	n.SetSafelyDeletedSearchIndex(9)
	assert.Equal(t, int64(9), n.SafelyDeletedSearchIndex())
}

func TestNode_AdoptsWatermarkFromInsertPayload(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.Log(ctx, 1, &core.InsertRowRequest{
		SearchIndex:              10,
		Device:                   "dev-1",
		SafelyDeletedSearchIndex: 7,
		Payload:                  []byte("x"),
	}).Wait(ctx))
	assert.Equal(t, int64(7), n.SafelyDeletedSearchIndex())

	// A stale hint on a later insert must not regress the watermark.
	require.NoError(t, n.Log(ctx, 1, &core.InsertTabletRequest{
		SearchIndex:              11,
		Device:                   "dev-1",
		Start:                    0,
		End:                      5,
		SafelyDeletedSearchIndex: 3,
		Payload:                  []byte("y"),
	}).Wait(ctx))
	assert.Equal(t, int64(7), n.SafelyDeletedSearchIndex())
}

func TestNode_MemtableLifecycle(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.OnMemtableCreated(ctx, 1, "region-a.tsfile", 500))
	assert.Equal(t, int64(500), n.checkpoint.TotalActiveCost())

	require.NoError(t, n.OnMemtableFlushed(ctx, 1))
	assert.Equal(t, int64(0), n.checkpoint.TotalActiveCost())

	n.mu.Lock()
	flushedCost := n.totalFlushedCost
	n.mu.Unlock()
	assert.Equal(t, int64(500), flushedCost)
}

func TestNode_Log_RejectsUnsupportedRequestType(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	listener := n.Log(ctx, 1, &core.MultiTabletRequest{SearchIndex: 1})
	err := listener.Wait(ctx)
	assert.Error(t, err)
}

func TestNode_RollWALFile_AdvancesCurrentLogVersion(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	before := n.CurrentLogVersion()
	require.NoError(t, n.RollWALFile(ctx))
	assert.Equal(t, before+1, n.CurrentLogVersion())
}

func TestNode_IsAllEntriesConsumed(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	assert.True(t, n.IsAllEntriesConsumed(), "an idle buffer has nothing in flight")

	// After a confirmed append the queue is drained again.
	require.NoError(t, n.Log(ctx, 1, &core.InsertRowRequest{SearchIndex: 4, Device: "d", Payload: []byte("x")}).Wait(ctx))
	assert.True(t, n.IsAllEntriesConsumed())
}

func TestNode_DecodeSnapshotPayload_RoundTrips(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	raw := []byte("a memtable's worth of rows, serialized")
	compressed, err := wal.CompressSnapshot(core.CompressionSnappy, raw)
	require.NoError(t, err)

	listener := n.Log(ctx, 1, &core.MemTableSnapshotRequest{
		SearchIndex:    0,
		MemtableID:     1,
		CompressorType: core.CompressionSnappy,
		Payload:        compressed,
	})
	require.NoError(t, listener.Wait(ctx))

	req, ok := n.GetReq(0)
	require.True(t, ok)
	snap, ok := req.(*core.MemTableSnapshotRequest)
	require.True(t, ok)

	decoded, err := DecodeSnapshotPayload(snap)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}
