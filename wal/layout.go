package wal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nexusdb/waljournal/core"
)

// fileSuffix is the implementation-defined suffix slot in the
// _<version>-<startSearchIndex>-<suffix>.wal naming scheme. It carries no
// meaning beyond distinguishing this module's files from anything else that
// might land in the WAL directory.
const fileSuffix = "wal"

const fileNamePrefix = "_"

// FileMeta describes one WAL file as derived purely from its name, without
// opening it. Reclaim and search both work primarily in terms of this —
// paths are materialized only at actual I/O boundaries.
type FileMeta struct {
	Version          uint64
	StartSearchIndex int64 // core.NoSearchIndex if the file holds no insert entries
	Name             string
}

// FormatFileName renders the _<version>-<startSearchIndex>-<suffix>.wal
// name for a file. start is core.NoSearchIndex when no insert entry has
// been written to the file yet.
func FormatFileName(version uint64, start int64) string {
	wireStart := core.WireNoSearchIndex
	if start != core.NoSearchIndex {
		wireStart = uint64(start)
	}
	return fmt.Sprintf("%s%d-%d-%s.wal", fileNamePrefix, version, wireStart, fileSuffix)
}

// ParseFileName extracts (version, startSearchIndex) from a file name.
// Malformed names return an error; callers doing directory listings should
// skip names that fail to parse rather than fail the whole listing.
func ParseFileName(name string) (FileMeta, error) {
	base := strings.TrimSuffix(name, ".wal")
	if !strings.HasPrefix(base, fileNamePrefix) {
		return FileMeta{}, fmt.Errorf("wal: %q missing %q prefix", name, fileNamePrefix)
	}
	parts := strings.SplitN(strings.TrimPrefix(base, fileNamePrefix), "-", 3)
	if len(parts) != 3 {
		return FileMeta{}, fmt.Errorf("wal: %q does not have version-start-suffix form", name)
	}
	version, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return FileMeta{}, fmt.Errorf("wal: %q has invalid version field: %w", name, err)
	}
	wireStart, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return FileMeta{}, fmt.Errorf("wal: %q has invalid start-search-index field: %w", name, err)
	}
	start := core.NoSearchIndex
	if wireStart != core.WireNoSearchIndex {
		start = int64(wireStart)
	}
	return FileMeta{Version: version, StartSearchIndex: start, Name: name}, nil
}

// SortAscending sorts files by version, which is the node's single total
// order (start_search_index ties are broken by version already, since
// version is itself the sort key).
func SortAscending(files []FileMeta) {
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
}

// effectiveStarts forward-fills the start_search_index of files that hold
// no insert entries (core.NoSearchIndex) from the preceding file's
// effective start, so such files neither advance nor regress the search
// boundary. files must already be sorted ascending by version.
func effectiveStarts(files []FileMeta) []int64 {
	starts := make([]int64, len(files))
	last := core.NoSearchIndex
	for i, f := range files {
		if f.StartSearchIndex != core.NoSearchIndex {
			last = f.StartSearchIndex
		}
		starts[i] = last
	}
	return starts
}

// BinarySearchFileBySearchIndex returns the index into files (already
// sorted ascending by SortAscending) of the file whose
// [start_i, start_{i+1}) range contains idx, or -1 if idx precedes every
// file's effective start (including when files is empty).
//
// When a roll happens mid-group, the file rolled into can legitimately
// record the same start_search_index as the file it followed (both genuinely
// hold an entry at that index: the fragment before the roll, and the
// fragment after). The half-open interval framing breaks down at that
// boundary — file A's own [start_A, start_B) would be empty — so ties are
// resolved to the earliest version sharing the tied start, per the layout's
// tie-break rule, to make sure that file's own fragment isn't skipped.
func BinarySearchFileBySearchIndex(files []FileMeta, idx int64) int {
	if len(files) == 0 {
		return -1
	}
	starts := effectiveStarts(files)

	lo, hi := 0, len(files)-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if starts[mid] == core.NoSearchIndex || starts[mid] > idx {
			hi = mid - 1
			continue
		}
		result = mid
		lo = mid + 1
	}
	if result < 0 {
		return result
	}
	return leftmostTie(starts, result)
}

// leftmostTie walks back from i to the first index sharing starts[i]'s
// value. starts is non-decreasing (effectiveStarts forward-fills), so ties
// form one contiguous run.
func leftmostTie(starts []int64, i int) int {
	lo, hi := 0, i
	for lo < hi {
		mid := (lo + hi) / 2
		if starts[mid] < starts[i] {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
