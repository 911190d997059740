package wal

import (
	"context"
	"path/filepath"

	"github.com/nexusdb/waljournal/core"
)

// SearchIterator is a resumable, forward-only cursor over the write
// requests logged to a node's WAL, keyed by consensus search index.
// Entries that were fragmented into several WAL appends under one search
// index (tablet slices, multi-row batches) are reassembled into a single
// WriteRequest before being handed back.
type SearchIterator struct {
	buffer *WalBuffer

	nextSearchIndex int64

	filesToSearch  []FileMeta
	currentFileIdx int
	currentReader  *WalReader
	dirty          bool // true when filesToSearch may be stale and must be re-listed

	ready []core.WriteRequest // fully-assembled requests waiting to be returned

	openGroupIndex   int64
	openGroupEntries []*core.WalEntry

	lastSeenGeneration uint64
}

// NewSearchIterator creates an iterator that will next return the request
// logged under start (or the first one logged at or after it).
func NewSearchIterator(buffer *WalBuffer, start int64) *SearchIterator {
	return &SearchIterator{
		buffer:          buffer,
		nextSearchIndex: start,
		dirty:           true,
		openGroupIndex:  core.NoSearchIndex,
	}
}

// HasNext reports whether Next can be called without blocking. It performs
// whatever file scanning is needed to find out, but never blocks waiting
// for new data to be written — use WaitForNextReady for that.
func (it *SearchIterator) HasNext(ctx context.Context) (bool, error) {
	if len(it.ready) > 0 {
		return true, nil
	}
	if err := it.scan(ctx); err != nil {
		return false, err
	}
	return len(it.ready) > 0, nil
}

// Next returns the next assembled write request. Callers must have
// confirmed HasNext returned true. A gap between the expected and returned
// search index is logged but accepted.
func (it *SearchIterator) Next() core.WriteRequest {
	req := it.ready[0]
	it.ready = it.ready[1:]
	if idx := req.GetSearchIndex(); idx > it.nextSearchIndex {
		it.buffer.logger.Warn("search index gap", "expected", it.nextSearchIndex, "got", idx)
	}
	it.nextSearchIndex = req.GetSearchIndex() + 1
	return req
}

// WaitForNextReady blocks until HasNext would return true, ctx is
// cancelled, or the underlying buffer is closed with nothing left to read.
func (it *SearchIterator) WaitForNextReady(ctx context.Context) error {
	for {
		ok, err := it.HasNext(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		gen, err := it.buffer.WaitForData(ctx, it.lastSeenGeneration)
		if err != nil {
			return err
		}
		it.lastSeenGeneration = gen
		it.dirty = true
	}
}

// SkipTo repositions the iterator to start from target. Skipping backward
// discards any buffered state (it is treated as a cold restart from
// target); skipping forward or to the same index just invalidates the file
// list so the next scan re-evaluates from target.
func (it *SearchIterator) SkipTo(target int64) {
	if target < it.nextSearchIndex {
		it.buffer.logger.Warn("skipping backward invalidates iterator caches", "from", it.nextSearchIndex, "to", target)
		it.ready = nil
		it.openGroupEntries = nil
		it.openGroupIndex = core.NoSearchIndex
		it.closeCurrentReader()
	}
	it.nextSearchIndex = target
	it.dirty = true
}

// Close releases the currently-open segment file, if any.
func (it *SearchIterator) Close() error {
	return it.closeCurrentReader()
}

func (it *SearchIterator) closeCurrentReader() error {
	if it.currentReader == nil {
		return nil
	}
	err := it.currentReader.Close()
	it.currentReader = nil
	return err
}

// scan advances the file/entry cursor, appending completed requests to
// it.ready. It never blocks: if the currently open group can't be closed
// because no more files exist yet, scan marks the iterator dirty and
// returns with nothing new ready.
func (it *SearchIterator) scan(ctx context.Context) error {
	if it.dirty {
		if err := it.refreshFileList(); err != nil {
			return err
		}
	}

	for {
		if it.currentReader == nil {
			if it.currentFileIdx >= len(it.filesToSearch) {
				// No more files. If a group is still open we can't emit it
				// yet — more fragments may still be written to a future
				// file. Don't close it; just stop and mark dirty so the
				// next call re-lists.
				it.dirty = true
				return nil
			}
			meta := it.filesToSearch[it.currentFileIdx]
			reader, err := OpenWalReader(filepath.Join(it.buffer.Dir(), meta.Name))
			if err != nil {
				return err
			}
			it.currentReader = reader
		}

		entry, err := it.currentReader.Next()
		if err != nil {
			// Clean EOF or a corrupt tail both end this file the same way
			// from the iterator's point of view: move on.
			it.closeCurrentReader()
			it.currentFileIdx++
			continue
		}

		if entry.SearchIndex != core.NoSearchIndex && entry.SearchIndex < it.nextSearchIndex {
			continue // already delivered in a prior pass
		}

		it.consume(entry)

		if len(it.ready) > 0 {
			return nil
		}
	}
}

func (it *SearchIterator) consume(entry *core.WalEntry) {
	switch entry.Kind {
	case core.EntryKindSignal, core.EntryKindCheckpointCreate, core.EntryKindCheckpointFlush, core.EntryKindCheckpointAdvance:
		return // control records carry no write request
	case core.EntryKindInsertRow, core.EntryKindInsertTablet:
		it.consumeInsert(entry)
	case core.EntryKindDelete, core.EntryKindMemTableSnapshot:
		it.flushOpenGroup()
		if req := entryToSingletonRequest(entry); req != nil {
			it.ready = append(it.ready, req)
		}
	}
}

func (it *SearchIterator) consumeInsert(entry *core.WalEntry) {
	if len(it.openGroupEntries) == 0 {
		it.openGroupIndex = entry.SearchIndex
		it.openGroupEntries = append(it.openGroupEntries, entry)
		return
	}
	if entry.SearchIndex == it.openGroupIndex {
		it.openGroupEntries = append(it.openGroupEntries, entry)
		return
	}
	it.flushOpenGroup()
	it.openGroupIndex = entry.SearchIndex
	it.openGroupEntries = append(it.openGroupEntries, entry)
}

func (it *SearchIterator) flushOpenGroup() {
	if len(it.openGroupEntries) == 0 {
		return
	}
	reqs := make([]core.WriteRequest, 0, len(it.openGroupEntries))
	for _, e := range it.openGroupEntries {
		if req := entryToSingletonRequest(e); req != nil {
			reqs = append(reqs, req)
		}
	}
	merged := core.MergeInsertRequests(reqs)
	if merged != nil {
		it.ready = append(it.ready, merged)
	}
	it.openGroupEntries = nil
	it.openGroupIndex = core.NoSearchIndex
}

func entryToSingletonRequest(e *core.WalEntry) core.WriteRequest {
	switch e.Kind {
	case core.EntryKindInsertRow:
		b := e.InsertRow
		return &core.InsertRowRequest{SearchIndex: e.SearchIndex, Device: b.Device, Timestamp: b.Timestamp, SafelyDeletedSearchIndex: b.SafelyDeletedSearchIndex, Payload: b.Payload}
	case core.EntryKindInsertTablet:
		b := e.InsertTablet
		return &core.InsertTabletRequest{SearchIndex: e.SearchIndex, Device: b.Device, Start: b.Start, End: b.End, SafelyDeletedSearchIndex: b.SafelyDeletedSearchIndex, Payload: b.Payload}
	case core.EntryKindDelete:
		b := e.Delete
		return &core.DeleteRequest{SearchIndex: e.SearchIndex, Device: b.Device, Payload: b.Payload}
	case core.EntryKindMemTableSnapshot:
		b := e.MemTableSnapshot
		return &core.MemTableSnapshotRequest{SearchIndex: e.SearchIndex, MemtableID: b.MemtableID, CompressorType: b.CompressorType, Payload: b.Payload}
	default:
		return nil
	}
}

func (it *SearchIterator) refreshFileList() error {
	it.closeCurrentReader()

	// Any accumulated open group is about to be rebuilt from scratch: the
	// rescan below always resumes at the file containing nextSearchIndex,
	// which is exactly the file the open group's entries were read from, so
	// re-scanning would otherwise re-append the same entries a second time.
	it.openGroupEntries = nil
	it.openGroupIndex = core.NoSearchIndex

	files, err := it.buffer.ListFiles()
	if err != nil {
		return err
	}
	idx := BinarySearchFileBySearchIndex(files, it.nextSearchIndex)
	if idx < 0 {
		// nextSearchIndex was never written or has already been reclaimed —
		// stay dirty and refuse to scan rather than guessing a start file.
		it.filesToSearch = nil
		it.dirty = true
		return nil
	}
	it.filesToSearch = files
	it.currentFileIdx = idx
	it.dirty = false
	return nil
}
