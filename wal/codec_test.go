package wal

import (
	"testing"

	"github.com/nexusdb/waljournal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, e *core.WalEntry) *core.WalEntry {
	t.Helper()
	frame, err := EncodeEntry(e)
	require.NoError(t, err)
	decoded, err := DecodeEntry(frame)
	require.NoError(t, err)
	return decoded
}

func TestCodec_InsertRow_RoundTrips(t *testing.T) {
	e := &core.WalEntry{
		Kind:        core.EntryKindInsertRow,
		SearchIndex: 42,
		InsertRow: &core.InsertRowBody{
			Device:                   "dev-1",
			Timestamp:                1000,
			SafelyDeletedSearchIndex: 5,
			Payload:                  []byte("row-payload"),
		},
	}
	got := roundTrip(t, e)
	assert.Equal(t, core.EntryKindInsertRow, got.Kind)
	assert.Equal(t, int64(42), got.SearchIndex)
	assert.Equal(t, "dev-1", got.InsertRow.Device)
	assert.Equal(t, int64(1000), got.InsertRow.Timestamp)
	assert.Equal(t, int64(5), got.InsertRow.SafelyDeletedSearchIndex)
	assert.Equal(t, []byte("row-payload"), got.InsertRow.Payload)
}

func TestCodec_InsertRow_NoSearchIndexSentinel(t *testing.T) {
	e := &core.WalEntry{
		Kind:        core.EntryKindInsertRow,
		SearchIndex: core.NoSearchIndex,
		InsertRow: &core.InsertRowBody{
			Device:                   "dev-1",
			SafelyDeletedSearchIndex: core.NoSearchIndex,
			Payload:                  nil,
		},
	}
	got := roundTrip(t, e)
	assert.Equal(t, core.NoSearchIndex, got.SearchIndex)
	assert.Equal(t, core.NoSearchIndex, got.InsertRow.SafelyDeletedSearchIndex)
}

func TestCodec_InsertTablet_RoundTrips(t *testing.T) {
	e := &core.WalEntry{
		Kind:        core.EntryKindInsertTablet,
		SearchIndex: 7,
		InsertTablet: &core.InsertTabletBody{
			Device:                   "dev-2",
			Start:                    10,
			End:                      20,
			SafelyDeletedSearchIndex: core.NoSearchIndex,
			Payload:                  []byte("tablet-payload"),
		},
	}
	got := roundTrip(t, e)
	assert.Equal(t, 10, got.InsertTablet.Start)
	assert.Equal(t, 20, got.InsertTablet.End)
	assert.Equal(t, "dev-2", got.InsertTablet.Device)
	assert.Equal(t, []byte("tablet-payload"), got.InsertTablet.Payload)
}

func TestCodec_Delete_RoundTrips(t *testing.T) {
	e := &core.WalEntry{
		Kind:        core.EntryKindDelete,
		SearchIndex: 3,
		Delete:      &core.DeleteBody{Device: "dev-3", Payload: []byte("delete-range")},
	}
	got := roundTrip(t, e)
	assert.Equal(t, "dev-3", got.Delete.Device)
	assert.Equal(t, []byte("delete-range"), got.Delete.Payload)
}

func TestCodec_MemTableSnapshot_RoundTrips(t *testing.T) {
	e := &core.WalEntry{
		Kind:        core.EntryKindMemTableSnapshot,
		SearchIndex: core.NoSearchIndex,
		MemTableSnapshot: &core.MemTableSnapshotBody{
			MemtableID:     9,
			CompressorType: core.CompressionZSTD,
			Payload:        []byte("snapshot-bytes"),
		},
	}
	got := roundTrip(t, e)
	assert.Equal(t, int64(9), got.MemTableSnapshot.MemtableID)
	assert.Equal(t, core.CompressionZSTD, got.MemTableSnapshot.CompressorType)
	assert.Equal(t, []byte("snapshot-bytes"), got.MemTableSnapshot.Payload)
}

func TestCodec_Signal_RoundTrips(t *testing.T) {
	e := &core.WalEntry{
		Kind:        core.EntryKindSignal,
		SearchIndex: core.NoSearchIndex,
		Signal:      &core.SignalBody{Signal: core.SignalRollWALWriter},
	}
	got := roundTrip(t, e)
	assert.Equal(t, core.SignalRollWALWriter, got.Signal.Signal)
}

func TestCodec_CheckpointCreate_RoundTrips(t *testing.T) {
	e := &core.WalEntry{
		Kind:        core.EntryKindCheckpointCreate,
		SearchIndex: core.NoSearchIndex,
		Checkpoint: &core.CheckpointBody{
			MemtableID:       4,
			MemtableCost:     1024,
			FirstFileVersion: 7,
		},
	}
	got := roundTrip(t, e)
	assert.Equal(t, int64(4), got.Checkpoint.MemtableID)
	assert.Equal(t, int64(1024), got.Checkpoint.MemtableCost)
	assert.Equal(t, uint64(7), got.Checkpoint.FirstFileVersion)
}

func TestCodec_DecodeEntry_RejectsShortFrame(t *testing.T) {
	_, err := DecodeEntry([]byte{1, 2, 3})
	assert.Error(t, err)
}
