package sstable

import (
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/segmentdb/segmentdb/internal/block"
	"github.com/segmentdb/segmentdb/internal/bloom"
	"github.com/segmentdb/segmentdb/internal/kv"
	"github.com/segmentdb/segmentdb/segmenterr"
)

// Reader is an open, immutable SSTable. Once open, a Reader needs no lock:
// its index and bloom filter are loaded fully into memory and the
// underlying file is never written to again.
type Reader struct {
	f          *os.File
	path       string
	level      uint8
	entryCount uint32
	index      []indexEntry
	filter     *bloom.Filter
}

// Open validates the header and footer, loads the bloom filter and sparse
// index fully into memory, and keeps the file handle open for point reads.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: open", err)
	}

	r, err := openReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func openReader(f *os.File, path string) (*Reader, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: stat", err)
	}
	if stat.Size() < HeaderSize+FooterSize {
		return nil, segmenterr.New(segmenterr.KindCorruption, "sstable: file too small")
	}

	header := make([]byte, HeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: read header", err)
	}
	if string(header[0:8]) != Magic {
		return nil, segmenterr.New(segmenterr.KindCorruption, "sstable: bad header magic")
	}
	version := binary.BigEndian.Uint32(header[8:12])
	if version > FormatVersion {
		return nil, segmenterr.New(segmenterr.KindUnsupportedVersion, "sstable: unsupported format version")
	}
	level := header[12]
	entryCount := binary.BigEndian.Uint32(header[13:17])

	footer := make([]byte, FooterSize)
	if _, err := f.ReadAt(footer, stat.Size()-FooterSize); err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: read footer", err)
	}
	if string(footer[24:32]) != Magic {
		return nil, segmenterr.New(segmenterr.KindCorruption, "sstable: bad footer magic (truncated file)")
	}
	indexOffset := binary.BigEndian.Uint64(footer[0:8])
	indexSize := binary.BigEndian.Uint32(footer[8:12])
	bloomOffset := binary.BigEndian.Uint64(footer[12:20])
	bloomSize := binary.BigEndian.Uint32(footer[20:24])

	indexBytes := make([]byte, indexSize)
	if _, err := f.ReadAt(indexBytes, int64(indexOffset)); err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: read index", err)
	}
	index, err := decodeIndex(indexBytes)
	if err != nil {
		return nil, err
	}

	bloomBytes := make([]byte, bloomSize)
	if _, err := f.ReadAt(bloomBytes, int64(bloomOffset)); err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: read bloom filter", err)
	}
	filter, err := bloom.Decode(bloomBytes)
	if err != nil {
		return nil, err
	}

	return &Reader{
		f:          f,
		path:       path,
		level:      level,
		entryCount: entryCount,
		index:      index,
		filter:     filter,
	}, nil
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	if len(data) < 4 {
		return nil, segmenterr.New(segmenterr.KindCorruption, "sstable: truncated index count")
	}
	count := binary.BigEndian.Uint32(data[0:4])
	pos := 4
	index := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+10 > len(data) {
			return nil, segmenterr.New(segmenterr.KindCorruption, "sstable: truncated index record")
		}
		offset := binary.BigEndian.Uint64(data[pos : pos+8])
		keyLen := binary.BigEndian.Uint16(data[pos+8 : pos+10])
		pos += 10
		if pos+int(keyLen) > len(data) {
			return nil, segmenterr.New(segmenterr.KindCorruption, "sstable: truncated index key")
		}
		key := make([]byte, keyLen)
		copy(key, data[pos:pos+int(keyLen)])
		pos += int(keyLen)
		index = append(index, indexEntry{offset: offset, key: key})
	}
	return index, nil
}

// Level returns the SSTable's level in the LSM hierarchy.
func (r *Reader) Level() uint8 { return r.level }

// EntryCount returns the number of entries the header claims this file has.
func (r *Reader) EntryCount() uint32 { return r.entryCount }

// Get resolves key against this SSTable: a bloom probe, then a binary
// search over the sparse index for the block that could hold key, then a
// single block read and linear scan. Returns (nil, nil) for a definite
// miss. A positive tombstone is returned, not masked: the caller
// interprets it as "deleted, search no further".
func (r *Reader) Get(key []byte) (*kv.Entry, error) {
	if !r.filter.Contains(key) {
		return nil, nil
	}
	if len(r.index) == 0 {
		return nil, nil
	}

	// Largest index entry whose key is <= target.
	i := sort.Search(len(r.index), func(i int) bool {
		return kv.Compare(r.index[i].key, key) > 0
	})
	if i == 0 {
		return nil, nil
	}
	blockIdx := i - 1

	raw, _, err := block.ReadBlockAt(r.f, int64(r.index[blockIdx].offset))
	if err != nil {
		return nil, err
	}
	entries, err := block.DecodeEntries(raw)
	if err != nil {
		return nil, err
	}

	var best *kv.Entry
	for idx := range entries {
		if kv.Compare(entries[idx].Key, key) == 0 {
			if best == nil || entries[idx].Seq > best.Seq {
				e := entries[idx]
				best = &e
			}
		}
	}
	return best, nil
}

// Close closes the underlying file handle.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "sstable: close", err)
	}
	return nil
}

// Info is the metadata manifest recovery needs: level, entry count, and the
// first/last keys, re-derived from the first and last data block.
type Info struct {
	Level      uint8
	EntryCount uint32
	MinKey     []byte
	MaxKey     []byte
}

// Inspect opens path just long enough to recover its header and the min/max
// keys from its first and last block, for manifest recovery-by-scan.
func Inspect(path string) (Info, error) {
	r, err := Open(path)
	if err != nil {
		return Info{}, err
	}
	defer r.Close()

	info := Info{Level: r.level, EntryCount: r.entryCount}
	if len(r.index) == 0 {
		return info, nil
	}

	first, err := readBlockEntries(r.f, r.index[0].offset)
	if err != nil {
		return Info{}, err
	}
	if len(first) > 0 {
		info.MinKey = first[0].Key
	}

	last, err := readBlockEntries(r.f, r.index[len(r.index)-1].offset)
	if err != nil {
		return Info{}, err
	}
	if len(last) > 0 {
		info.MaxKey = last[len(last)-1].Key
	}
	return info, nil
}

func readBlockEntries(r io.ReaderAt, offset uint64) ([]kv.Entry, error) {
	raw, _, err := block.ReadBlockAt(r, int64(offset))
	if err != nil {
		return nil, err
	}
	return block.DecodeEntries(raw)
}
