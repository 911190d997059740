package node

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/nexusdb/waljournal/checkpoint"
	"github.com/nexusdb/waljournal/core"
	"github.com/nexusdb/waljournal/hooks"
	"go.opentelemetry.io/otel"
)

var reclaimTracer = otel.Tracer("github.com/nexusdb/waljournal/node")

// DeleteOutdatedFiles runs one pass of reclamation: delete whatever WAL
// files nothing needs anymore, and if the live/flushed cost ratio has
// drifted too low, push the oldest memtable toward eviction so future
// passes can delete more. Safe to call concurrently with itself and with
// a periodic ticker — calls collapse onto the in-flight pass via a
// singleflight group.
func (n *Node) DeleteOutdatedFiles(ctx context.Context) error {
	ctx, span := reclaimTracer.Start(ctx, "node.DeleteOutdatedFiles")
	defer span.End()

	_, err, _ := n.reclaimGroup.Do("reclaim", func() (interface{}, error) {
		return nil, n.reclaimOnce(ctx, true)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// reclaimOnce runs delete-then-maybe-evict. allowEvict is true only on the
// first pass: after a snapshot or flush the pass re-runs once to pick up
// newly deletable files, but does not evict again — the next scheduled tick
// does that, keeping one tick's storage-engine impact bounded.
func (n *Node) reclaimOnce(ctx context.Context, allowEvict bool) error {
	firstValid, ok := n.checkpoint.FirstValidVersion()
	if !ok {
		if err := n.buffer.RollWriter(ctx); err != nil {
			return err
		}
		firstValid, ok = n.checkpoint.FirstValidVersion()
		if !ok {
			firstValid = n.buffer.CurrentVersion()
		}
	}

	deleted, err := n.deleteFilesBelow(firstValid)
	if err != nil {
		return err
	}

	if n.SafelyDeletedSearchIndex() != core.NoSearchIndex {
		// A consensus consumer has pinned a real watermark: the log is
		// serving search, deletion is bounded by that watermark, and
		// evicting memtables cannot unlock anything more.
		n.triggerReclaimEvent(ctx, deleted, 0, false)
		return nil
	}

	n.mu.Lock()
	active := n.checkpoint.TotalActiveCost()
	flushed := n.totalFlushedCost
	n.mu.Unlock()

	total := active + flushed
	if total == 0 {
		n.triggerReclaimEvent(ctx, deleted, 0, false)
		return nil
	}
	ratio := float64(active) / float64(total)
	if ratio >= n.cfg.EffectiveInfoRatioThreshold {
		n.triggerReclaimEvent(ctx, deleted, ratio, false)
		return nil
	}

	if !allowEvict {
		n.triggerReclaimEvent(ctx, deleted, ratio, false)
		return nil
	}

	oldest, ok := n.checkpoint.OldestMemtable()
	if !ok {
		n.triggerReclaimEvent(ctx, deleted, ratio, false)
		return nil
	}
	if err := n.evictOldestMemtable(ctx, oldest); err != nil {
		n.logger.Warn("reclaim: evict oldest memtable failed", "memtable_id", oldest.MemtableID, "error", err)
		n.triggerReclaimEvent(ctx, deleted, ratio, false)
		return nil
	}

	n.triggerReclaimEvent(ctx, deleted, ratio, true)
	return n.reclaimOnce(ctx, false)
}

func (n *Node) triggerReclaimEvent(ctx context.Context, deleted []uint64, ratio float64, triggeredSnapshotOrFlush bool) {
	n.hooks.Trigger(ctx, hooks.NewPostWALReclaimEvent(hooks.PostWALReclaimPayload{
		DeletedVersions:          deleted,
		EffectiveInfoRatio:       ratio,
		TriggeredSnapshotOrFlush: triggeredSnapshotOrFlush,
	}))
}

// deleteFilesBelow removes every WAL file whose version precedes firstValid
// and whose start search index has already been safely delivered, folding
// each deleted file's flushed cost out of the running total. An unset
// watermark bounds nothing: no consumer is replaying this log, so every
// file below firstValid qualifies. Returns the versions actually deleted.
func (n *Node) deleteFilesBelow(firstValid uint64) ([]uint64, error) {
	files, err := n.buffer.ListFiles()
	if err != nil {
		return nil, err
	}
	safelyDeleted := n.SafelyDeletedSearchIndex()

	var deleted []uint64
	for _, f := range files {
		if f.Version >= firstValid {
			continue
		}
		if safelyDeleted != core.NoSearchIndex && f.StartSearchIndex != core.NoSearchIndex && f.StartSearchIndex >= safelyDeleted {
			continue
		}

		if err := os.Remove(filepath.Join(n.buffer.Dir(), f.Name)); err != nil {
			if !os.IsNotExist(err) {
				n.logger.Warn("reclaim: delete wal file failed", "file", f.Name, "error", err)
				continue
			}
		}
		n.buffer.ForgetVersion(f.Version)

		n.mu.Lock()
		cost := n.flushedCostByFileVersion[f.Version]
		delete(n.flushedCostByFileVersion, f.Version)
		n.totalFlushedCost -= cost
		n.mu.Unlock()

		deleted = append(deleted, f.Version)
		n.logger.Info("reclaim: deleted wal file", "file", f.Name, "version", f.Version, "reclaimed_cost", cost)
	}
	return deleted, nil
}

// evictOldestMemtable either flushes or re-snapshots info, depending on how
// many times it has already been snapshotted and how large it is.
func (n *Node) evictOldestMemtable(ctx context.Context, info checkpoint.MemTableInfo) error {
	n.mu.Lock()
	count := n.memtableSnapshotCount[info.MemtableID]
	n.mu.Unlock()

	if count >= n.cfg.MaxMemTableSnapshotCount || info.Cost > n.cfg.MemTableSnapshotThresholdBytes {
		return n.flushOldestMemtable(ctx, info)
	}
	return n.snapshotOldestMemtable(ctx, info)
}

func (n *Node) flushOldestMemtable(ctx context.Context, info checkpoint.MemTableInfo) error {
	if n.storage == nil {
		return nil
	}
	if n.storage.FlushStatus(info.MemtableID) == FlushStateWorking {
		if err := n.storage.SubmitFlush(ctx, info.TargetTsFilePath, info.MemtableID); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(n.cfg.FlushWaitTimeout)
	ticker := time.NewTicker(n.cfg.FlushPollInterval)
	defer ticker.Stop()
	for {
		if n.storage.FlushStatus(info.MemtableID) == FlushStateFlushed {
			return nil
		}
		if time.Now().After(deadline) {
			n.logger.Warn("reclaim: flush wait timed out", "memtable_id", info.MemtableID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) snapshotOldestMemtable(ctx context.Context, info checkpoint.MemTableInfo) error {
	n.mu.Lock()
	n.memtableSnapshotCount[info.MemtableID]++
	n.mu.Unlock()

	if err := n.buffer.RollWriter(ctx); err != nil {
		return err
	}
	newVersion := n.buffer.CurrentVersion()

	if err := n.checkpoint.SetFirstFileVersion(ctx, info.MemtableID, newVersion); err != nil {
		return err
	}

	req := &core.MemTableSnapshotRequest{
		SearchIndex: core.NoSearchIndex,
		MemtableID:  info.MemtableID,
	}

	if n.storage != nil {
		n.storage.LockRegion(info.TargetTsFilePath)
		defer n.storage.UnlockRegion(info.TargetTsFilePath)

		payload, compressorType, err := n.storage.CaptureSnapshot(ctx, info.MemtableID)
		if err != nil {
			return err
		}
		req.Payload = payload
		req.CompressorType = compressorType
	}

	listener := n.Log(ctx, info.MemtableID, req)
	if err := listener.Wait(ctx); err != nil {
		return err
	}

	n.hooks.Trigger(ctx, hooks.NewPostWALSnapshotEvent(hooks.PostWALSnapshotPayload{
		MemtableID: info.MemtableID,
		NewVersion: newVersion,
	}))
	return nil
}
