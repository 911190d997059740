package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/nexusdb/waljournal/core"
)

// recordOverhead is the fixed per-record cost beyond the length prefix and
// the variable-size frame: a trailing 4-byte CRC32. The length field itself
// counts frame bytes plus this overhead, per the wire format.
const recordOverhead = core.ChecksumSize

// Segment represents a single WAL file on disk.
type Segment struct {
	file *os.File
	path string
	meta FileMeta
}

// SegmentWriter appends length-prefixed, checksummed records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
}

// SegmentReader reads records back out of a segment in write order.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
}

// CreateSegment creates a new segment file for the given version. start is
// core.NoSearchIndex until the first insert entry is appended; the file is
// renamed once the true start is known (see SegmentWriter.Finalize).
func CreateSegment(dir string, version uint64, start int64) (*SegmentWriter, error) {
	meta := FileMeta{Version: version, StartSearchIndex: start, Name: FormatFileName(version, start)}
	path := filepath.Join(dir, meta.Name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, core.NewWALError(core.ErrKindIoWrite, "wal.CreateSegment", err)
	}

	header := core.NewFileHeader(core.WALMagicNumber, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, core.NewWALError(core.ErrKindIoWrite, "wal.CreateSegment", err)
	}

	meta.Name = filepath.Base(path)
	seg := &Segment{file: file, path: path, meta: meta}
	return &SegmentWriter{Segment: seg, writer: bufio.NewWriter(file)}, nil
}

// OpenSegmentForAppend reopens an existing, already-headered segment file
// so writes continue at its current end — used when a node restarts and
// its last segment was not rolled before shutdown.
func OpenSegmentForAppend(path string, meta FileMeta) (*SegmentWriter, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, core.NewWALError(core.ErrKindIoWrite, "wal.OpenSegmentForAppend", err)
	}
	seg := &Segment{file: file, path: path, meta: meta}
	return &SegmentWriter{Segment: seg, writer: bufio.NewWriter(file)}, nil
}

// OpenSegmentForRead opens an existing segment file for forward reading.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, core.NewWALError(core.ErrKindIoRead, "wal.OpenSegmentForRead", err)
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		if err == io.EOF {
			return nil, core.NewWALError(core.ErrKindIoRead, "wal.OpenSegmentForRead", fmt.Errorf("%s: empty or truncated header", path))
		}
		return nil, core.NewWALError(core.ErrKindIoRead, "wal.OpenSegmentForRead", err)
	}
	if header.Magic != core.WALMagicNumber {
		file.Close()
		return nil, core.NewWALError(core.ErrKindInvalidState, "wal.OpenSegmentForRead", fmt.Errorf("%s: bad magic %x", path, header.Magic))
	}

	meta, err := ParseFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, core.NewWALError(core.ErrKindInvalidState, "wal.OpenSegmentForRead", err)
	}

	seg := &Segment{file: file, path: path, meta: meta}
	return &SegmentReader{Segment: seg, reader: bufio.NewReader(file)}, nil
}

// WriteRecord appends one length-prefixed, checksummed frame:
// len(u32) | frame | crc32(frame)(u32), where len counts frame+crc32 bytes.
func (sw *SegmentWriter) WriteRecord(frame []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}

	length := uint32(len(frame) + recordOverhead)
	if err := binary.Write(sw.writer, binary.LittleEndian, length); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.WriteRecord", err)
	}
	if _, err := sw.writer.Write(frame); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.WriteRecord", err)
	}
	checksum := crc32.ChecksumIEEE(frame)
	if err := binary.Write(sw.writer, binary.LittleEndian, checksum); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.WriteRecord", err)
	}
	return nil
}

// ReadRecord reads and validates the next frame. io.EOF means the segment
// ended cleanly; any other error means the tail is corrupt and the caller
// should stop reading this segment but keep what was already decoded.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	return readRecordFrame(sr.reader)
}

func readRecordFrame(r *bufio.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err // io.EOF propagates as-is: clean end of segment.
	}
	if length < recordOverhead {
		return nil, core.NewWALError(core.ErrKindIoRead, "wal.ReadRecord", fmt.Errorf("record length %d shorter than checksum overhead", length))
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, core.NewWALError(core.ErrKindIoRead, "wal.ReadRecord", fmt.Errorf("truncated record: %w", err))
	}

	frame := buf[:len(buf)-recordOverhead]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-recordOverhead:])
	if gotCRC := crc32.ChecksumIEEE(frame); gotCRC != wantCRC {
		return nil, core.NewWALError(core.ErrKindIoRead, "wal.ReadRecord", fmt.Errorf("checksum mismatch: got %x want %x", gotCRC, wantCRC))
	}
	return frame, nil
}

// Finalize renames the segment to reflect its true start search index, once
// known. A no-op if start already matches the file name (including the
// no-insert sentinel case).
func (sw *SegmentWriter) Finalize(start int64) error {
	if sw.meta.StartSearchIndex == start {
		return nil
	}
	newName := FormatFileName(sw.meta.Version, start)
	newPath := filepath.Join(filepath.Dir(sw.path), newName)
	if err := sw.writer.Flush(); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.Finalize", err)
	}
	if err := sw.file.Sync(); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.Finalize", err)
	}
	if err := os.Rename(sw.path, newPath); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.Finalize", err)
	}
	sw.path = newPath
	sw.meta.Name = newName
	sw.meta.StartSearchIndex = start
	return nil
}

// Flush drains the buffered writer to the OS without fsyncing. Readers see
// flushed records; durability still requires Sync.
func (sw *SegmentWriter) Flush() error {
	if err := sw.writer.Flush(); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.Flush", err)
	}
	return nil
}

// Sync flushes the buffered writer and fsyncs the underlying file.
func (sw *SegmentWriter) Sync() error {
	if err := sw.Flush(); err != nil {
		return err
	}
	if err := sw.file.Sync(); err != nil {
		return core.NewWALError(core.ErrKindIoWrite, "wal.Sync", err)
	}
	return nil
}

// Size reports the segment's logical size including bytes still sitting in
// the write buffer, so rolling decisions don't lag a flush behind.
func (sw *SegmentWriter) Size() (int64, error) {
	size, err := sw.Segment.Size()
	if err != nil {
		return 0, err
	}
	return size + int64(sw.writer.Buffered()), nil
}

// Close flushes, syncs, and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// Size returns the current on-disk size of the segment file.
func (s *Segment) Size() (int64, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Meta returns the file's parsed identity (version, start search index).
func (s *Segment) Meta() FileMeta { return s.meta }

// Path returns the segment's current on-disk path.
func (s *Segment) Path() string { return s.path }
