// Package block implements the on-disk block format: a run of sorted
// entries compressed as a unit and framed with a CRC32. A Builder
// accumulates encoded entries until a size threshold is reached, then
// WriteBlock compresses and frames the accumulated bytes in one shot.
package block

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/segmentdb/segmentdb/internal/kv"
	"github.com/segmentdb/segmentdb/segmenterr"
)

// frameHeaderSize is compressed_size(4) + uncompressed_size(4).
const frameHeaderSize = 8

// entryHeaderSize is entry_length(4) + seqno(8) + key_len(2) + val_len(4) + tombstone(1).
const entryHeaderSize = 19

// Builder accumulates encoded entries for a single block before it is
// compressed and framed.
type Builder struct {
	buf     bytes.Buffer
	entries int
}

// NewBuilder returns an empty block builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends one entry's encoded form to the block being built.
func (b *Builder) Add(e kv.Entry) {
	valLen := uint32(len(e.Value))
	tombstone := byte(0)
	if e.Tombstone {
		tombstone = 1
		valLen = 0
	}
	entryLen := uint32(8+2+4+1) + uint32(len(e.Key)) + valLen

	var hdr [entryHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], entryLen)
	binary.BigEndian.PutUint64(hdr[4:12], e.Seq)
	binary.BigEndian.PutUint16(hdr[12:14], uint16(len(e.Key)))
	binary.BigEndian.PutUint32(hdr[14:18], valLen)
	hdr[18] = tombstone

	b.buf.Write(hdr[:])
	b.buf.Write(e.Key)
	if tombstone == 0 {
		b.buf.Write(e.Value)
	}
	b.entries++
}

// Len returns the uncompressed size of the block accumulated so far.
func (b *Builder) Len() int { return b.buf.Len() }

// Entries returns the number of entries accumulated so far.
func (b *Builder) Entries() int { return b.entries }

// Bytes returns the raw (uncompressed) encoded entries.
func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf.Reset()
	b.entries = 0
}

// compress runs LZ4 at high-compression level 4.
func compress(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Level4)); err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompress(compressed []byte, uncompressedSize uint32) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteBlock compresses raw and writes it to w framed as:
// compressed_size | uncompressed_size | compressed_payload | crc32. It
// returns the number of bytes written, for sparse-index offset tracking.
func WriteBlock(w io.Writer, raw []byte) (int64, error) {
	compressed, err := compress(raw)
	if err != nil {
		return 0, err
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(raw)))

	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write(compressed)

	frame := make([]byte, 0, frameHeaderSize+len(compressed)+4)
	frame = append(frame, hdr[:]...)
	frame = append(frame, compressed...)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc.Sum32())
	frame = append(frame, crcBuf[:]...)

	n, err := w.Write(frame)
	return int64(n), err
}

// ReadBlockAt reads, verifies, and decompresses the block frame at offset.
// A CRC mismatch is an integrity error; it is never silently retried. It
// returns the decompressed entries and the total frame size on disk.
func ReadBlockAt(r io.ReaderAt, offset int64) ([]byte, int64, error) {
	var hdr [frameHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], offset); err != nil {
		return nil, 0, segmenterr.Wrap(segmenterr.KindIO, "block: read header", err)
	}
	compSize := binary.BigEndian.Uint32(hdr[0:4])
	uncompSize := binary.BigEndian.Uint32(hdr[4:8])

	rest := make([]byte, int(compSize)+4)
	if _, err := r.ReadAt(rest, offset+frameHeaderSize); err != nil {
		return nil, 0, segmenterr.Wrap(segmenterr.KindIO, "block: read payload", err)
	}
	compressed := rest[:compSize]
	wantCRC := binary.BigEndian.Uint32(rest[compSize:])

	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write(compressed)
	if crc.Sum32() != wantCRC {
		return nil, 0, segmenterr.New(segmenterr.KindCorruption, "block: checksum mismatch")
	}

	raw, err := decompress(compressed, uncompSize)
	if err != nil {
		return nil, 0, segmenterr.Wrap(segmenterr.KindCorruption, "block: decompress", err)
	}
	return raw, frameHeaderSize + int64(compSize) + 4, nil
}

// DecodeEntries parses a decompressed block's raw bytes back into entries.
func DecodeEntries(raw []byte) ([]kv.Entry, error) {
	var entries []kv.Entry
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		var hdr [entryHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, segmenterr.Wrap(segmenterr.KindCorruption, "block: truncated entry header", err)
		}
		seq := binary.BigEndian.Uint64(hdr[4:12])
		keyLen := binary.BigEndian.Uint16(hdr[12:14])
		valLen := binary.BigEndian.Uint32(hdr[14:18])
		tombstone := hdr[18] == 1

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, segmenterr.Wrap(segmenterr.KindCorruption, "block: truncated entry key", err)
		}
		var value []byte
		if !tombstone {
			value = make([]byte, valLen)
			if _, err := io.ReadFull(r, value); err != nil {
				return nil, segmenterr.Wrap(segmenterr.KindCorruption, "block: truncated entry value", err)
			}
		}
		entries = append(entries, kv.Entry{Key: key, Value: value, Seq: seq, Tombstone: tombstone})
	}
	return entries, nil
}
