package core

// EntryKind discriminates the variants of WalEntry. A single leading byte
// on the wire, dispatched on decode rather than through an interface
// hierarchy.
type EntryKind uint8

const (
	EntryKindInsertRow EntryKind = iota + 1
	EntryKindInsertTablet
	EntryKindDelete
	EntryKindMemTableSnapshot
	EntryKindSignal
	EntryKindCheckpointCreate
	EntryKindCheckpointFlush
	EntryKindCheckpointAdvance
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindInsertRow:
		return "insert_row"
	case EntryKindInsertTablet:
		return "insert_tablet"
	case EntryKindDelete:
		return "delete"
	case EntryKindMemTableSnapshot:
		return "memtable_snapshot"
	case EntryKindSignal:
		return "signal"
	case EntryKindCheckpointCreate:
		return "checkpoint_create"
	case EntryKindCheckpointFlush:
		return "checkpoint_flush"
	case EntryKindCheckpointAdvance:
		return "checkpoint_advance"
	default:
		return "unknown"
	}
}

// SignalKind distinguishes the control signals carried by an
// EntryKindSignal entry. Currently only the roll-writer signal exists; the
// type exists so new signals don't need a new EntryKind.
type SignalKind uint8

const (
	SignalRollWALWriter SignalKind = iota + 1
)

// NoSearchIndex is the sentinel meaning "this entry carries no search
// index" — most commonly a delete entry, a bare signal, or the first entry
// written before consensus has assigned one.
const NoSearchIndex int64 = -1

// WireNoSearchIndex is the on-disk encoding of NoSearchIndex: search_index
// is a u64 on the wire, and -1 has no direct unsigned representation, so the
// all-ones pattern is reserved instead.
const WireNoSearchIndex uint64 = ^uint64(0)

// WalEntry is the tagged union written to and read from a WAL segment.
// Exactly one of the body pointer fields (InsertRow, InsertTablet, Delete,
// MemTableSnapshot, Signal, Checkpoint) is meaningful, selected by Kind; this
// mirrors the wire format directly (type byte, search index, then a
// kind-specific body) instead of modeling variants as an interface
// hierarchy.
type WalEntry struct {
	Kind        EntryKind
	SearchIndex int64 // NoSearchIndex if absent

	InsertRow        *InsertRowBody
	InsertTablet     *InsertTabletBody
	Delete           *DeleteBody
	MemTableSnapshot *MemTableSnapshotBody
	Signal           *SignalBody
	Checkpoint       *CheckpointBody
}

// InsertRowBody is the WAL-resident form of a single-row insert. The
// column/value encoding itself is opaque (out of scope for this module);
// only the structural fields needed for replay ordering, cross-file
// merging, and search-by-index are modeled.
type InsertRowBody struct {
	Device                   string
	Timestamp                int64
	SafelyDeletedSearchIndex int64 // NoSearchIndex if not carried
	Payload                  []byte
}

// InsertTabletBody is the WAL-resident form of a (possibly sliced) tablet
// insert. Start/End describe the row-range slice this entry covers within
// the tablet that the consensus layer split it from, so a SearchIterator
// can tell when a contiguous run of same-search-index fragments is
// complete.
type InsertTabletBody struct {
	Device                   string
	Start, End               int
	SafelyDeletedSearchIndex int64 // NoSearchIndex if not carried
	Payload                  []byte
}

// DeleteBody is the WAL-resident form of a delete/deletion-range plan.
type DeleteBody struct {
	Device  string
	Payload []byte
}

// MemTableSnapshotBody carries a point-in-time memtable image so the WAL
// file holding it can outlive the memtable's own flush and still let older
// segments be reclaimed. CompressorType names the codec Payload was
// compressed with (CompressionNone if uncompressed).
type MemTableSnapshotBody struct {
	MemtableID     int64
	CompressorType CompressionType
	Payload        []byte
}

// SignalBody carries an in-band control signal, e.g. the roll-writer
// request a reclaim pass uses to force a new segment without racing the
// normal size-based rotation check.
type SignalBody struct {
	Signal SignalKind
}

// CheckpointBody carries one of the checkpoint lifecycle records
// (create/flush/advance) in-band, so a restart can rebuild the live
// memtable registry by replaying the WAL itself rather than trusting a
// side-file.
type CheckpointBody struct {
	MemtableID       int64  // meaningful for Create/Flush/Advance
	MemtableCost     int64  // meaningful for Create
	FirstFileVersion uint64 // meaningful for Create (initial version) and Advance (new version)
}
