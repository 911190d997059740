package wal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nexusdb/waljournal/compressors"
	"github.com/nexusdb/waljournal/core"
)

// compressorFor returns the codec registered for t. MemTableSnapshot bodies
// are the only WAL-resident data this module ever compresses; everything
// else is opaque caller payload, left untouched per the column/value
// encoding non-goal.
func compressorFor(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &compressors.NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return compressors.NewSnappyCompressor(), nil
	case core.CompressionZSTD:
		return compressors.NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("wal: unsupported compression type %s", t)
	}
}

// CompressSnapshot compresses raw into the codec identified by t.
func CompressSnapshot(t core.CompressionType, raw []byte) ([]byte, error) {
	c, err := compressorFor(t)
	if err != nil {
		return nil, err
	}
	return c.Compress(raw)
}

// DecompressSnapshot reverses CompressSnapshot.
func DecompressSnapshot(t core.CompressionType, compressed []byte) ([]byte, error) {
	c, err := compressorFor(t)
	if err != nil {
		return nil, err
	}
	rc, err := c.Decompress(compressed)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("wal: decompress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
