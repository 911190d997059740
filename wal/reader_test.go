package wal

import (
	"os"
	"testing"

	"github.com/nexusdb/waljournal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestSegment(t *testing.T, dir string, version uint64, entries ...*core.WalEntry) string {
	t.Helper()
	sw, err := CreateSegment(dir, version, core.NoSearchIndex)
	require.NoError(t, err)
	for _, e := range entries {
		frame, err := EncodeEntry(e)
		require.NoError(t, err)
		require.NoError(t, sw.WriteRecord(frame))
	}
	path := sw.Path()
	require.NoError(t, sw.Close())
	return path
}

func TestReadSegmentEntries_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSegment(t, dir, 1,
		insertRow(1, "dev-a"),
		insertRow(2, "dev-b"),
	)

	entries, err := ReadSegmentEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dev-a", entries[0].InsertRow.Device)
	assert.Equal(t, int64(2), entries[1].SearchIndex)
}

func TestReadSegmentEntries_CorruptTailKeepsPriorEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSegment(t, dir, 1,
		insertRow(1, "dev-a"),
		insertRow(2, "dev-b"),
	)

	// Garbage after the last full record: a record length that promises more
	// bytes than the file holds.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff, 0x00, 0x00, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ReadSegmentEntries(path)
	assert.Error(t, err)
	require.Len(t, entries, 2, "entries before the corruption must still be returned")
	assert.Equal(t, int64(1), entries[0].SearchIndex)
	assert.Equal(t, int64(2), entries[1].SearchIndex)
}

func TestReadSegmentEntries_ChecksumMismatchStopsIteration(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSegment(t, dir, 1, insertRow(1, "dev-a"))

	// Flip a byte inside the record body (past the header and length prefix)
	// so the CRC no longer matches.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	entries, err := ReadSegmentEntries(path)
	assert.Error(t, err)
	assert.Equal(t, core.ErrKindIoRead, core.ErrKindOf(err))
	assert.Empty(t, entries)
}

func TestWalReader_WalksEntriesForward(t *testing.T) {
	dir := t.TempDir()
	path := writeTestSegment(t, dir, 3,
		insertRow(10, "dev"),
		insertTabletSlice(11, "dev", 0, 5),
	)

	r, err := OpenWalReader(path)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.EntryKindInsertRow, first.Kind)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, core.EntryKindInsertTablet, second.Kind)

	_, err = r.Next()
	assert.Error(t, err) // io.EOF: clean end of segment
}
