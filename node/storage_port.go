package node

import (
	"context"

	"github.com/nexusdb/waljournal/core"
)

// FlushState mirrors the storage engine's view of one memtable's flush
// progress, queried through StorageCallbacks rather than a shared struct.
type FlushState int

const (
	FlushStateWorking FlushState = iota
	FlushStateFlushing
	FlushStateFlushed
)

func (s FlushState) String() string {
	switch s {
	case FlushStateWorking:
		return "working"
	case FlushStateFlushing:
		return "flushing"
	case FlushStateFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// StorageCallbacks is the only way a node ever reaches the storage engine:
// an outbound capability port injected at construction instead of a global
// engine accessor. A node holds this interface, never a concrete engine, so
// tests can supply a fake and production can wire in the real thing without
// an import cycle.
type StorageCallbacks interface {
	// SubmitFlush asks the engine to flush the time-partition backing
	// tsFilePath for memtableID. Returns immediately; flush progress is
	// observed via FlushStatus.
	SubmitFlush(ctx context.Context, tsFilePath string, memtableID int64) error

	// FlushStatus reports memtableID's current flush progress.
	FlushStatus(memtableID int64) FlushState

	// LockRegion acquires the write lock for the region owning tsFilePath,
	// pausing inserts to it. Held only around a snapshot append.
	LockRegion(tsFilePath string)

	// UnlockRegion releases a lock taken by LockRegion.
	UnlockRegion(tsFilePath string)

	// CaptureSnapshot serializes memtableID's current contents, already
	// compressed per the engine's configured algorithm, for embedding in a
	// MemTableSnapshot entry. Called with the region lock held. A consumer
	// reading the resulting MemTableSnapshotRequest back out reverses this
	// with node.DecodeSnapshotPayload.
	CaptureSnapshot(ctx context.Context, memtableID int64) ([]byte, core.CompressionType, error)
}
