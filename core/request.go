package core

// WriteRequest is a logical write reconstructed from one or more WalEntry
// records by a SearchIterator. It is what a consensus replay consumer
// actually wants: a single request per search index, with any in-flight
// slicing the original writer did already reassembled.
type WriteRequest interface {
	// GetSearchIndex returns the consensus search index this request was
	// logged under, or NoSearchIndex if it was never assigned one.
	GetSearchIndex() int64
	isWriteRequest()
}

// InsertRowRequest is a single-row insert, replayed as-is (rows are never
// sliced across entries). SafelyDeletedSearchIndex is meaningful only on the
// write path (Log): a non-default value tells the node to adopt it as the
// new watermark. Reconstructed requests carry it too, but nothing reads it
// there.
type InsertRowRequest struct {
	SearchIndex              int64
	Device                   string
	Timestamp                int64
	SafelyDeletedSearchIndex int64
	Payload                  []byte
}

func (r *InsertRowRequest) GetSearchIndex() int64 { return r.SearchIndex }
func (r *InsertRowRequest) isWriteRequest()       {}

// InsertTabletRequest is a tablet insert. Start and End describe the
// row-range slice a single Log call covers. When the search iterator
// reconstructs a group holding one tablet entry, the request carries that
// entry's Start and End; several tablet entries that shared a search index
// are returned as a MultiTabletRequest, not merged into one of these.
type InsertTabletRequest struct {
	SearchIndex              int64
	Device                   string
	Start, End               int
	SafelyDeletedSearchIndex int64
	Payload                  []byte
}

func (r *InsertTabletRequest) GetSearchIndex() int64 { return r.SearchIndex }
func (r *InsertTabletRequest) isWriteRequest()       {}

// DeleteRequest is a delete/deletion-range plan, replayed as-is.
type DeleteRequest struct {
	SearchIndex int64
	Device      string
	Payload     []byte
}

func (r *DeleteRequest) GetSearchIndex() int64 { return r.SearchIndex }
func (r *DeleteRequest) isWriteRequest()       {}

// MemTableSnapshotRequest is a memtable image captured by the reclaimer so
// an older WAL file can be deleted without losing the memtable's data.
type MemTableSnapshotRequest struct {
	SearchIndex    int64
	MemtableID     int64
	CompressorType CompressionType
	Payload        []byte
}

func (r *MemTableSnapshotRequest) GetSearchIndex() int64 { return r.SearchIndex }
func (r *MemTableSnapshotRequest) isWriteRequest()       {}

// MultiTabletRequest is the merge result of several InsertTabletRequest
// values that share a search index, preserving slice order.
type MultiTabletRequest struct {
	SearchIndex int64
	Tablets     []*InsertTabletRequest
}

func (r *MultiTabletRequest) GetSearchIndex() int64 { return r.SearchIndex }
func (r *MultiTabletRequest) isWriteRequest()       {}

// RowsOfOneDeviceRequest is the merge result of several InsertRowRequest
// values that share both a search index and a device.
type RowsOfOneDeviceRequest struct {
	SearchIndex int64
	Device      string
	Rows        []*InsertRowRequest
}

func (r *RowsOfOneDeviceRequest) GetSearchIndex() int64 { return r.SearchIndex }
func (r *RowsOfOneDeviceRequest) isWriteRequest()       {}

// RowsRequest is the merge result of several InsertRowRequest values that
// share a search index but span more than one device.
type RowsRequest struct {
	SearchIndex int64
	Rows        []*InsertRowRequest
}

func (r *RowsRequest) GetSearchIndex() int64 { return r.SearchIndex }
func (r *RowsRequest) isWriteRequest()       {}

// MergeInsertRequests combines a run of insert requests that share a single
// search index into one logical request, the way a single consensus log
// entry is expected to decode to:
//
//   - zero requests: nil
//   - one request: returned unchanged
//   - all InsertTabletRequest: wrapped in a MultiTabletRequest
//   - all InsertRowRequest, same device: wrapped in a RowsOfOneDeviceRequest
//   - all InsertRowRequest, mixed devices: wrapped in a RowsRequest
//
// Mixed tablet/row input is a caller bug (a single consensus write is never
// split across plan types) and panics rather than silently dropping data.
func MergeInsertRequests(reqs []WriteRequest) WriteRequest {
	switch len(reqs) {
	case 0:
		return nil
	case 1:
		return reqs[0]
	}

	searchIndex := reqs[0].GetSearchIndex()

	if tablets, ok := allTablets(reqs); ok {
		return &MultiTabletRequest{SearchIndex: searchIndex, Tablets: tablets}
	}

	if rows, ok := allRows(reqs); ok {
		device := rows[0].Device
		sameDevice := true
		for _, r := range rows[1:] {
			if r.Device != device {
				sameDevice = false
				break
			}
		}
		if sameDevice {
			return &RowsOfOneDeviceRequest{SearchIndex: searchIndex, Device: device, Rows: rows}
		}
		return &RowsRequest{SearchIndex: searchIndex, Rows: rows}
	}

	panic("core: MergeInsertRequests received a mix of request kinds under one search index")
}

func allTablets(reqs []WriteRequest) ([]*InsertTabletRequest, bool) {
	out := make([]*InsertTabletRequest, 0, len(reqs))
	for _, r := range reqs {
		t, ok := r.(*InsertTabletRequest)
		if !ok {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

func allRows(reqs []WriteRequest) ([]*InsertRowRequest, bool) {
	out := make([]*InsertRowRequest, 0, len(reqs))
	for _, r := range reqs {
		row, ok := r.(*InsertRowRequest)
		if !ok {
			return nil, false
		}
		out = append(out, row)
	}
	return out, true
}
