package sstable

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/segmentdb/segmentdb/internal/block"
	"github.com/segmentdb/segmentdb/internal/bloom"
	"github.com/segmentdb/segmentdb/internal/kv"
	"github.com/segmentdb/segmentdb/segmenterr"
)

// WriterOptions configures a new SSTable.
type WriterOptions struct {
	BlockSize          int
	FilterFPR          float64
	ExpectedEntryCount int
}

// Writer streams sorted entries into a new SSTable. It writes into a
// sibling temp file and publishes atomically on Finish: flush, fsync the
// file and the containing directory, then rename.
type Writer struct {
	dir       string
	finalPath string
	tmpPath   string
	level     uint8
	blockSize int

	f *os.File

	builder      *block.Builder
	firstOfBlock []byte
	index        []indexEntry
	filter       *bloom.Filter

	offset     int64
	entryCount uint32
	minKey     []byte
	maxKey     []byte
}

// NewWriter creates a new SSTable writer for filename (without directory)
// at the given level.
func NewWriter(dir, filename string, level uint8, opts WriterOptions) (*Writer, error) {
	tmpPath := filepath.Join(dir, filename+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: create temp file", err)
	}

	w := &Writer{
		dir:       dir,
		finalPath: filepath.Join(dir, filename),
		tmpPath:   tmpPath,
		level:     level,
		blockSize: opts.BlockSize,
		f:         f,
		builder:   block.NewBuilder(),
		filter:    bloom.New(opts.ExpectedEntryCount, opts.FilterFPR),
	}

	header := make([]byte, HeaderSize)
	copy(header[0:8], Magic)
	binary.BigEndian.PutUint32(header[8:12], FormatVersion)
	header[12] = level
	// entry_count is patched in on Finish.
	if _, err := w.f.Write(header); err != nil {
		f.Close()
		return nil, segmenterr.Wrap(segmenterr.KindIO, "sstable: write header", err)
	}
	w.offset = HeaderSize
	return w, nil
}

// Add appends an entry. Entries must be added in nondecreasing key order.
func (w *Writer) Add(e kv.Entry) error {
	if w.entryCount == 0 {
		w.minKey = append([]byte(nil), e.Key...)
	}
	w.maxKey = append([]byte(nil), e.Key...)
	w.entryCount++
	w.filter.Add(e.Key)

	if w.builder.Entries() == 0 {
		w.firstOfBlock = append([]byte(nil), e.Key...)
	}
	w.builder.Add(e)

	if w.builder.Len() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.builder.Entries() == 0 {
		return nil
	}
	n, err := block.WriteBlock(w.f, w.builder.Bytes())
	if err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "sstable: write block", err)
	}
	w.index = append(w.index, indexEntry{offset: uint64(w.offset), key: w.firstOfBlock})
	w.offset += n
	w.builder.Reset()
	w.firstOfBlock = nil
	return nil
}

// Finish flushes any pending block, writes the sparse index, bloom filter,
// and footer, patches the header's entry_count, then publishes the file
// atomically: fsync file, fsync directory, rename, fsync directory again.
func (w *Writer) Finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	indexOffset := w.offset
	indexBuf := make([]byte, 0, 4+len(w.index)*16)
	indexBuf = binary.BigEndian.AppendUint32(indexBuf, uint32(len(w.index)))
	for _, rec := range w.index {
		indexBuf = binary.BigEndian.AppendUint64(indexBuf, rec.offset)
		indexBuf = binary.BigEndian.AppendUint16(indexBuf, uint16(len(rec.key)))
		indexBuf = append(indexBuf, rec.key...)
	}
	if _, err := w.f.Write(indexBuf); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: write index", err)
	}
	w.offset += int64(len(indexBuf))

	bloomOffset := w.offset
	bloomBuf := w.filter.Encode()
	if _, err := w.f.Write(bloomBuf); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: write bloom filter", err)
	}
	w.offset += int64(len(bloomBuf))

	footer := make([]byte, 0, FooterSize)
	footer = binary.BigEndian.AppendUint64(footer, uint64(indexOffset))
	footer = binary.BigEndian.AppendUint32(footer, uint32(len(indexBuf)))
	footer = binary.BigEndian.AppendUint64(footer, uint64(bloomOffset))
	footer = binary.BigEndian.AppendUint32(footer, uint32(len(bloomBuf)))
	footer = append(footer, Magic...)
	if _, err := w.f.Write(footer); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: write footer", err)
	}
	w.offset += int64(len(footer))

	if err := w.f.Sync(); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: fsync data", err)
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], w.entryCount)
	if _, err := w.f.WriteAt(countBuf[:], 13); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: patch header", err)
	}
	if err := w.f.Sync(); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: fsync header patch", err)
	}
	if err := w.f.Close(); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: close", err)
	}

	if err := fsyncDir(w.dir); err != nil {
		return Meta{}, err
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: publish rename", err)
	}
	if err := fsyncDir(w.dir); err != nil {
		return Meta{}, err
	}

	stat, err := os.Stat(w.finalPath)
	if err != nil {
		return Meta{}, segmenterr.Wrap(segmenterr.KindIO, "sstable: stat", err)
	}

	return Meta{
		Filename:   filepath.Base(w.finalPath),
		Level:      w.level,
		MinKey:     w.minKey,
		MaxKey:     w.maxKey,
		EntryCount: w.entryCount,
		FileSize:   stat.Size(),
	}, nil
}

// Abandon discards the temp file without publishing. Used when a flush or
// compaction fails partway through.
func (w *Writer) Abandon() error {
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "sstable: open directory for fsync", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "sstable: fsync directory", err)
	}
	return nil
}
