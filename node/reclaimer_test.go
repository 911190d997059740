package node

import (
	"context"
	"testing"

	"github.com/nexusdb/waljournal/checkpoint"
	"github.com/nexusdb/waljournal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaimer_NoLiveMemtables_RollsAndDeletesOldFiles(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.Log(ctx, 1, &core.InsertRowRequest{SearchIndex: 0, Device: "d", SafelyDeletedSearchIndex: core.NoSearchIndex, Payload: []byte("x")}).Wait(ctx))

	// With no live memtables the pass rolls a fresh file so the current one
	// becomes deletable; nothing is replaying, so it goes.
	require.NoError(t, n.DeleteOutdatedFiles(ctx))

	files, err := n.buffer.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, n.CurrentLogVersion(), files[0].Version)
}

func TestReclaimer_WatermarkedLogSkipsEviction(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.OnMemtableCreated(ctx, 1, "region-a.tsfile", 1))
	n.mu.Lock()
	n.totalFlushedCost = 1000 // ratio 1/1001, far below the threshold
	n.mu.Unlock()
	n.SetSafelyDeletedSearchIndex(50)

	require.NoError(t, n.DeleteOutdatedFiles(ctx))

	// The log is serving search: even at a terrible ratio, no snapshot or
	// flush may be provoked.
	n.mu.Lock()
	count := n.memtableSnapshotCount[1]
	n.mu.Unlock()
	assert.Equal(t, 0, count)
	fake := n.storage.(*fakeStorage)
	assert.Empty(t, fake.submitted)
}

func TestReclaimer_LowRatioSnapshotsOldestMemtable(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.OnMemtableCreated(ctx, 1, "region-a.tsfile", 1))
	versionBefore := n.CurrentLogVersion()
	n.mu.Lock()
	n.totalFlushedCost = 1000
	n.mu.Unlock()

	// Watermark still unset: nothing is replaying, so the reclaimer may
	// trade a snapshot entry for the right to delete older files.
	require.NoError(t, n.DeleteOutdatedFiles(ctx))

	n.mu.Lock()
	count := n.memtableSnapshotCount[1]
	n.mu.Unlock()
	assert.Equal(t, 1, count)

	info, ok := n.checkpoint.InfoOf(1)
	require.True(t, ok)
	assert.Greater(t, info.FirstFileVersion, versionBefore)
}

func TestReclaimer_DeletesFilesBelowFirstValidVersion(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()

	require.NoError(t, n.OnMemtableCreated(ctx, 1, "region-a.tsfile", 10))
	require.NoError(t, n.buffer.RollWriter(ctx))
	require.NoError(t, n.OnMemtableCreated(ctx, 2, "region-a.tsfile", 10))

	filesBefore, err := n.buffer.ListFiles()
	require.NoError(t, err)
	require.Len(t, filesBefore, 2)

	require.NoError(t, n.checkpoint.FlushMemtable(ctx, 1))
	n.SetSafelyDeletedSearchIndex(0)

	require.NoError(t, n.DeleteOutdatedFiles(ctx))

	filesAfter, err := n.buffer.ListFiles()
	require.NoError(t, err)
	assert.Less(t, len(filesAfter), len(filesBefore))
}

func TestReclaimer_EvictOldestMemtable_PrefersFlushOverThreshold(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()
	n.cfg.MemTableSnapshotThresholdBytes = 100

	bigInfo := checkpoint.MemTableInfo{MemtableID: 1, TargetTsFilePath: "region-a.tsfile", Cost: 1000}
	require.NoError(t, n.evictOldestMemtable(ctx, bigInfo))

	fake := n.storage.(*fakeStorage)
	assert.Contains(t, fake.submitted, int64(1))
}

func TestReclaimer_EvictOldestMemtable_SnapshotsUnderThreshold(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()
	n.cfg.MemTableSnapshotThresholdBytes = 1_000_000
	n.cfg.MaxMemTableSnapshotCount = 5

	small := checkpoint.MemTableInfo{MemtableID: 1, TargetTsFilePath: "region-a.tsfile", Cost: 10}
	require.NoError(t, n.evictOldestMemtable(ctx, small))

	n.mu.Lock()
	count := n.memtableSnapshotCount[1]
	n.mu.Unlock()
	assert.Equal(t, 1, count)

	fake := n.storage.(*fakeStorage)
	assert.Empty(t, fake.submitted, "under-threshold eviction should snapshot, not flush")
}

func TestReclaimer_EvictOldestMemtable_ExceedsSnapshotCount_Flushes(t *testing.T) {
	n := openTestNode(t)
	ctx := context.Background()
	n.cfg.MaxMemTableSnapshotCount = 1

	info := checkpoint.MemTableInfo{MemtableID: 1, TargetTsFilePath: "region-a.tsfile", Cost: 1}
	n.mu.Lock()
	n.memtableSnapshotCount[1] = 1
	n.mu.Unlock()

	require.NoError(t, n.evictOldestMemtable(ctx, info))

	fake := n.storage.(*fakeStorage)
	assert.Contains(t, fake.submitted, int64(1))
}
