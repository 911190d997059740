package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nexusdb/waljournal/checkpoint"
	"github.com/nexusdb/waljournal/core"
	"github.com/nexusdb/waljournal/hooks"
	"github.com/nexusdb/waljournal/wal"
	"golang.org/x/sync/singleflight"
)

// FlushListener is the handle returned by Log: a caller can fire-and-forget
// or Wait for the entry (and everything batched with it) to be committed by
// the WAL buffer (fsynced only when its SyncMode is SyncAlways).
type FlushListener struct {
	done chan struct{}
	err  error
}

func newFlushListener() *FlushListener {
	return &FlushListener{done: make(chan struct{})}
}

func (l *FlushListener) resolve(err error) {
	l.err = err
	close(l.done)
}

// Wait blocks until the logged entry's batch has been committed (or failed),
// or ctx is cancelled first.
func (l *FlushListener) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Node is the public façade over a WalBuffer and a checkpoint Manager for
// one storage region: the single entry point callers log writes through,
// and the one that notices when memtables come and go so the reclaimer
// knows what's still needed.
type Node struct {
	identifier string
	dir        string

	buffer     *wal.WalBuffer
	checkpoint *checkpoint.Manager
	storage    StorageCallbacks
	logger     *slog.Logger
	hooks      hooks.HookManager
	cfg        *wal.Config

	safelyDeletedSearchIndex int64 // atomic; core.NoSearchIndex sentinel means "unset"

	mu                       sync.Mutex
	memtableSnapshotCount    map[int64]int
	flushedCostByFileVersion map[uint64]int64
	totalFlushedCost         int64

	reclaimGroup singleflight.Group
}

// Open creates (or resumes) a node rooted at dir: it opens the WAL buffer,
// replays any recovered checkpoint entries into a fresh Manager, and starts
// serving new writes.
func Open(identifier, dir string, cfg *wal.Config, storage StorageCallbacks, logger *slog.Logger, hm hooks.HookManager, metrics *wal.Metrics) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if hm == nil {
		hm = hooks.NewHookManager(nil)
	}

	buffer, recovered, err := wal.Open(dir, cfg, logger, hm, metrics)
	if err != nil {
		return nil, fmt.Errorf("node: open wal buffer: %w", err)
	}

	mgr := checkpoint.NewManager(buffer, logger, hm)
	mgr.Replay(recovered)

	if cfg == nil {
		cfg, _ = wal.Load(nil)
	}

	n := &Node{
		identifier:               identifier,
		dir:                      dir,
		buffer:                   buffer,
		checkpoint:               mgr,
		storage:                  storage,
		logger:                   logger.With("component", "wal_node", "node", identifier),
		hooks:                    hm,
		cfg:                      cfg,
		safelyDeletedSearchIndex: core.NoSearchIndex,
		memtableSnapshotCount:    make(map[int64]int),
		flushedCostByFileVersion: make(map[uint64]int64),
	}
	return n, nil
}

// Log constructs a WalEntry from req and forwards it to the buffer. It
// never blocks on durability itself — the returned FlushListener does that.
func (n *Node) Log(ctx context.Context, memtableID int64, req core.WriteRequest) *FlushListener {
	listener := newFlushListener()

	entry, err := n.toWalEntry(req)
	if err != nil {
		listener.resolve(err)
		return listener
	}

	go func() {
		listener.resolve(n.buffer.Append(ctx, entry))
	}()
	return listener
}

func (n *Node) toWalEntry(req core.WriteRequest) (*core.WalEntry, error) {
	switch r := req.(type) {
	case *core.InsertRowRequest:
		n.adoptSafelyDeletedSearchIndex(r.SafelyDeletedSearchIndex)
		return &core.WalEntry{
			Kind:        core.EntryKindInsertRow,
			SearchIndex: r.SearchIndex,
			InsertRow: &core.InsertRowBody{
				Device:                   r.Device,
				Timestamp:                r.Timestamp,
				SafelyDeletedSearchIndex: r.SafelyDeletedSearchIndex,
				Payload:                  r.Payload,
			},
		}, nil
	case *core.InsertTabletRequest:
		n.adoptSafelyDeletedSearchIndex(r.SafelyDeletedSearchIndex)
		return &core.WalEntry{
			Kind:        core.EntryKindInsertTablet,
			SearchIndex: r.SearchIndex,
			InsertTablet: &core.InsertTabletBody{
				Device:                   r.Device,
				Start:                    r.Start,
				End:                      r.End,
				SafelyDeletedSearchIndex: r.SafelyDeletedSearchIndex,
				Payload:                  r.Payload,
			},
		}, nil
	case *core.DeleteRequest:
		return &core.WalEntry{
			Kind:        core.EntryKindDelete,
			SearchIndex: r.SearchIndex,
			Delete:      &core.DeleteBody{Device: r.Device, Payload: r.Payload},
		}, nil
	case *core.MemTableSnapshotRequest:
		return &core.WalEntry{
			Kind:        core.EntryKindMemTableSnapshot,
			SearchIndex: r.SearchIndex,
			MemTableSnapshot: &core.MemTableSnapshotBody{
				MemtableID:     r.MemtableID,
				CompressorType: r.CompressorType,
				Payload:        r.Payload,
			},
		}, nil
	default:
		return nil, fmt.Errorf("node: Log does not support request type %T", req)
	}
}

// adoptSafelyDeletedSearchIndex adopts hint as the new watermark if it
// carries one and it advances the current value. Any insert payload may
// carry the hint; no dedicated control message is required.
func (n *Node) adoptSafelyDeletedSearchIndex(hint int64) {
	if hint == core.NoSearchIndex {
		return
	}
	for {
		cur := atomic.LoadInt64(&n.safelyDeletedSearchIndex)
		if cur != core.NoSearchIndex && hint <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&n.safelyDeletedSearchIndex, cur, hint) {
			return
		}
	}
}

// SetSafelyDeletedSearchIndex sets the watermark directly. A value that does
// not advance the current one is a no-op.
func (n *Node) SetSafelyDeletedSearchIndex(idx int64) {
	n.adoptSafelyDeletedSearchIndex(idx)
}

func (n *Node) SafelyDeletedSearchIndex() int64 {
	return atomic.LoadInt64(&n.safelyDeletedSearchIndex)
}

// OnMemtableCreated registers a newly created memtable. cost is the
// caller-supplied initial size estimate (RAM bytes or a flat count,
// depending on cfg.EnableMemControl) — the node has no live reference to
// the memtable itself to query this dynamically.
func (n *Node) OnMemtableCreated(ctx context.Context, memtableID int64, targetTsFilePath string, cost int64) error {
	return n.checkpoint.RegisterMemtable(ctx, checkpoint.MemTableInfo{
		MemtableID:       memtableID,
		TargetTsFilePath: targetTsFilePath,
		FirstFileVersion: n.buffer.CurrentVersion(),
		Cost:             cost,
	})
}

// OnMemtableFlushed removes memtableID from the live set, folds its cost
// into the flushed-cost ledger for the current file version, and drops its
// snapshot-count bookkeeping. Idempotent.
func (n *Node) OnMemtableFlushed(ctx context.Context, memtableID int64) error {
	info, wasLive := n.checkpoint.InfoOf(memtableID)

	if err := n.checkpoint.FlushMemtable(ctx, memtableID); err != nil {
		return err
	}
	if !wasLive {
		return nil
	}

	n.mu.Lock()
	version := n.buffer.CurrentVersion()
	n.flushedCostByFileVersion[version] += info.Cost
	n.totalFlushedCost += info.Cost
	delete(n.memtableSnapshotCount, memtableID)
	n.mu.Unlock()
	return nil
}

// GetReq returns the write request logged under searchIndex, if it can be
// fully reconstructed from currently durable files.
func (n *Node) GetReq(searchIndex int64) (core.WriteRequest, bool) {
	it := wal.NewSearchIterator(n.buffer, searchIndex)
	defer it.Close()

	ok, err := it.HasNext(context.Background())
	if err != nil || !ok {
		if err != nil {
			n.logger.Error("get_req failed", "search_index", searchIndex, "error", err)
		}
		return nil, false
	}
	req := it.Next()
	if req.GetSearchIndex() != searchIndex {
		return nil, false
	}
	return req, true
}

// GetReqs returns up to count consecutive requests starting at startIndex.
func (n *Node) GetReqs(startIndex int64, count int) []core.WriteRequest {
	it := wal.NewSearchIterator(n.buffer, startIndex)
	defer it.Close()

	var out []core.WriteRequest
	ctx := context.Background()
	for len(out) < count {
		ok, err := it.HasNext(ctx)
		if err != nil {
			n.logger.Error("get_reqs failed", "start_index", startIndex, "error", err)
			break
		}
		if !ok {
			break
		}
		out = append(out, it.Next())
	}
	return out
}

// GetReqIterator returns a resumable iterator starting at startIndex, for a
// consensus follower catching up. Not safe for concurrent use by more than
// one caller.
func (n *Node) GetReqIterator(startIndex int64) *wal.SearchIterator {
	return wal.NewSearchIterator(n.buffer, startIndex)
}

// DecodeSnapshotPayload reverses the compression CaptureSnapshot applied,
// returning the raw memtable image a consumer of GetReq/GetReqs/
// GetReqIterator needs to reconstruct memtable state from a
// MemTableSnapshotRequest.
func DecodeSnapshotPayload(req *core.MemTableSnapshotRequest) ([]byte, error) {
	return wal.DecompressSnapshot(req.CompressorType, req.Payload)
}

// CurrentLogVersion returns the version id of the segment currently being
// written. Test support.
func (n *Node) CurrentLogVersion() uint64 {
	return n.buffer.CurrentVersion()
}

// RollWALFile forces the buffer onto a fresh segment and waits for the roll.
// Test support.
func (n *Node) RollWALFile(ctx context.Context) error {
	return n.buffer.RollWriter(ctx)
}

// IsAllEntriesConsumed reports whether the buffer has committed everything
// handed to it — nothing queued, nothing mid-batch. Test support.
func (n *Node) IsAllEntriesConsumed() bool {
	return n.buffer.IsAllEntriesConsumed()
}

// Close closes the WAL buffer and waits for any asynchronous hook listeners
// still in flight. The checkpoint manager holds no resources of its own to
// release.
func (n *Node) Close() error {
	err := n.buffer.Close()
	n.hooks.Stop()
	return err
}
