package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nexusdb/waljournal/core"
)

// EncodeEntry renders e into the type+search_index+body frame described by
// the wire format: a one-byte kind, an eight-byte search index
// (core.WireNoSearchIndex if absent), and a kind-specific body. Length
// prefix and checksum are added by the segment writer, not here.
func EncodeEntry(e *core.WalEntry) ([]byte, error) {
	return AppendEntry(nil, e)
}

// AppendEntry appends e's encoded frame to dst and returns the extended
// slice, letting the serializer reuse one scratch buffer across a batch.
func AppendEntry(dst []byte, e *core.WalEntry) ([]byte, error) {
	body, err := encodeBody(e)
	if err != nil {
		return nil, fmt.Errorf("wal: encode %s entry: %w", e.Kind, err)
	}

	dst = append(dst, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint64(dst, searchIndexToWire(e.SearchIndex))
	dst = append(dst, body...)
	return dst, nil
}

// DecodeEntry parses a frame produced by EncodeEntry back into a WalEntry.
func DecodeEntry(frame []byte) (*core.WalEntry, error) {
	if len(frame) < 9 {
		return nil, fmt.Errorf("wal: frame too short: %d bytes", len(frame))
	}
	kind := core.EntryKind(frame[0])
	searchIndex := searchIndexFromWire(binary.LittleEndian.Uint64(frame[1:9]))
	body := frame[9:]

	e := &core.WalEntry{Kind: kind, SearchIndex: searchIndex}
	if err := decodeBody(e, body); err != nil {
		return nil, fmt.Errorf("wal: decode %s entry: %w", kind, err)
	}
	return e, nil
}

func searchIndexToWire(idx int64) uint64 {
	if idx == core.NoSearchIndex {
		return core.WireNoSearchIndex
	}
	return uint64(idx)
}

func searchIndexFromWire(wire uint64) int64 {
	if wire == core.WireNoSearchIndex {
		return core.NoSearchIndex
	}
	return int64(wire)
}

func encodeBody(e *core.WalEntry) ([]byte, error) {
	var buf bytes.Buffer
	switch e.Kind {
	case core.EntryKindInsertRow:
		b := e.InsertRow
		writeString(&buf, b.Device)
		writeInt64(&buf, b.Timestamp)
		writeInt64(&buf, b.SafelyDeletedSearchIndex)
		buf.Write(b.Payload)
	case core.EntryKindInsertTablet:
		b := e.InsertTablet
		writeString(&buf, b.Device)
		writeInt64(&buf, int64(b.Start))
		writeInt64(&buf, int64(b.End))
		writeInt64(&buf, b.SafelyDeletedSearchIndex)
		buf.Write(b.Payload)
	case core.EntryKindDelete:
		b := e.Delete
		writeString(&buf, b.Device)
		buf.Write(b.Payload)
	case core.EntryKindMemTableSnapshot:
		b := e.MemTableSnapshot
		writeInt64(&buf, b.MemtableID)
		buf.WriteByte(byte(b.CompressorType))
		buf.Write(b.Payload)
	case core.EntryKindSignal:
		buf.WriteByte(byte(e.Signal.Signal))
	case core.EntryKindCheckpointCreate:
		b := e.Checkpoint
		writeInt64(&buf, b.MemtableID)
		writeInt64(&buf, b.MemtableCost)
		binary.Write(&buf, binary.LittleEndian, b.FirstFileVersion)
	case core.EntryKindCheckpointFlush:
		b := e.Checkpoint
		writeInt64(&buf, b.MemtableID)
	case core.EntryKindCheckpointAdvance:
		b := e.Checkpoint
		writeInt64(&buf, b.MemtableID)
		binary.Write(&buf, binary.LittleEndian, b.FirstFileVersion)
	default:
		return nil, fmt.Errorf("unknown entry kind %d", e.Kind)
	}
	return buf.Bytes(), nil
}

func decodeBody(e *core.WalEntry, body []byte) error {
	r := bytes.NewReader(body)
	switch e.Kind {
	case core.EntryKindInsertRow:
		device, err := readString(r)
		if err != nil {
			return err
		}
		ts, err := readInt64(r)
		if err != nil {
			return err
		}
		safe, err := readInt64(r)
		if err != nil {
			return err
		}
		payload, err := readRemaining(r)
		if err != nil {
			return err
		}
		e.InsertRow = &core.InsertRowBody{Device: device, Timestamp: ts, SafelyDeletedSearchIndex: safe, Payload: payload}
	case core.EntryKindInsertTablet:
		device, err := readString(r)
		if err != nil {
			return err
		}
		start, err := readInt64(r)
		if err != nil {
			return err
		}
		end, err := readInt64(r)
		if err != nil {
			return err
		}
		safe, err := readInt64(r)
		if err != nil {
			return err
		}
		payload, err := readRemaining(r)
		if err != nil {
			return err
		}
		e.InsertTablet = &core.InsertTabletBody{Device: device, Start: int(start), End: int(end), SafelyDeletedSearchIndex: safe, Payload: payload}
	case core.EntryKindDelete:
		device, err := readString(r)
		if err != nil {
			return err
		}
		payload, err := readRemaining(r)
		if err != nil {
			return err
		}
		e.Delete = &core.DeleteBody{Device: device, Payload: payload}
	case core.EntryKindMemTableSnapshot:
		id, err := readInt64(r)
		if err != nil {
			return err
		}
		var ctByte byte
		if err := binary.Read(r, binary.LittleEndian, &ctByte); err != nil {
			return err
		}
		payload, err := readRemaining(r)
		if err != nil {
			return err
		}
		e.MemTableSnapshot = &core.MemTableSnapshotBody{MemtableID: id, CompressorType: core.CompressionType(ctByte), Payload: payload}
	case core.EntryKindSignal:
		var sigByte byte
		if err := binary.Read(r, binary.LittleEndian, &sigByte); err != nil {
			return err
		}
		e.Signal = &core.SignalBody{Signal: core.SignalKind(sigByte)}
	case core.EntryKindCheckpointCreate:
		id, err := readInt64(r)
		if err != nil {
			return err
		}
		cost, err := readInt64(r)
		if err != nil {
			return err
		}
		var version uint64
		if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
			return err
		}
		e.Checkpoint = &core.CheckpointBody{MemtableID: id, MemtableCost: cost, FirstFileVersion: version}
	case core.EntryKindCheckpointFlush:
		id, err := readInt64(r)
		if err != nil {
			return err
		}
		e.Checkpoint = &core.CheckpointBody{MemtableID: id}
	case core.EntryKindCheckpointAdvance:
		id, err := readInt64(r)
		if err != nil {
			return err
		}
		var version uint64
		if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
			return err
		}
		e.Checkpoint = &core.CheckpointBody{MemtableID: id, FirstFileVersion: version}
	default:
		return fmt.Errorf("unknown entry kind %d", e.Kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readLenPrefixed(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var l uint32
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return nil, err
	}
	b := make([]byte, l)
	if _, err := r.Read(b); err != nil && l > 0 {
		return nil, err
	}
	return b, nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return int64(v), nil
}

// readRemaining consumes the rest of r; used for the trailing opaque
// payload field, which carries no length prefix of its own because it
// always runs to the end of the body.
func readRemaining(r *bytes.Reader) ([]byte, error) {
	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil && len(rest) > 0 {
		return nil, err
	}
	return rest, nil
}
