package wal

import (
	"io"

	"github.com/nexusdb/waljournal/core"
)

// ReadSegmentEntries decodes every record in the segment at path in order.
// A corrupt or truncated tail is not fatal to the entries already decoded:
// a nil error means the segment ended cleanly, anything else means the last
// record onward is suspect, and the caller (recovery, or the search
// iterator) decides whether that's acceptable this far into the file.
func ReadSegmentEntries(path string) ([]*core.WalEntry, error) {
	entries, _, err := RecoverSegmentEntries(path)
	return entries, err
}

// RecoverSegmentEntries is ReadSegmentEntries plus the byte offset of the
// end of the last cleanly decoded record. Recovery truncates a segment to
// that offset before resuming appends, so a corrupt tail is not buried
// under fresh records it would render unreachable.
func RecoverSegmentEntries(path string) ([]*core.WalEntry, int64, error) {
	sr, err := OpenSegmentForRead(path)
	if err != nil {
		return nil, 0, err
	}
	defer sr.Close()

	var header core.FileHeader
	offset := int64(header.Size())

	var entries []*core.WalEntry
	for {
		frame, err := sr.ReadRecord()
		if err != nil {
			if err == io.EOF {
				return entries, offset, nil
			}
			return entries, offset, err
		}
		entry, err := DecodeEntry(frame)
		if err != nil {
			return entries, offset, err
		}
		entries = append(entries, entry)
		offset += 4 + int64(len(frame)) + core.ChecksumSize
	}
}

// WalReader walks a single open segment forward, one entry at a time. It is
// the unit SearchIterator composes across files; recovery uses
// ReadSegmentEntries directly since it wants the whole file at once.
type WalReader struct {
	sr *SegmentReader
}

// OpenWalReader opens path for forward, one-entry-at-a-time reading.
func OpenWalReader(path string) (*WalReader, error) {
	sr, err := OpenSegmentForRead(path)
	if err != nil {
		return nil, err
	}
	return &WalReader{sr: sr}, nil
}

// Next returns the next entry, or io.EOF once the segment is exhausted.
func (r *WalReader) Next() (*core.WalEntry, error) {
	frame, err := r.sr.ReadRecord()
	if err != nil {
		return nil, err
	}
	return DecodeEntry(frame)
}

// Meta returns the identity of the segment being read.
func (r *WalReader) Meta() FileMeta { return r.sr.Meta() }

// Close releases the underlying file handle.
func (r *WalReader) Close() error { return r.sr.Close() }
