// Package sstable implements the immutable on-disk sorted file format:
// a 17-byte header, a run of compressed data blocks, a sparse index, a
// bloom filter, and a 32-byte footer validated by a trailing magic copy.
// All integers are big-endian.
package sstable

const (
	// Magic identifies a SegmentDB SSTable file, at both the header and the
	// footer (the footer's trailing copy both validates the footer and
	// disambiguates truncation).
	Magic = "SEGMTSST"

	// FormatVersion is the current on-disk format version.
	FormatVersion uint32 = 1

	// HeaderSize is magic(8) + version(4) + level(1) + entry_count(4).
	HeaderSize = 17

	// FooterSize is index_offset(8) + index_size(4) + bloom_offset(8) +
	// bloom_size(4) + magic(8).
	FooterSize = 32
)

// Meta is the metadata record a Writer returns on Finish, suitable for
// insertion into the manifest.
type Meta struct {
	Filename   string
	Level      uint8
	MinKey     []byte
	MaxKey     []byte
	EntryCount uint32
	FileSize   int64
}

// indexEntry is one sparse-index record: a block's first key and its byte
// offset from the start of the file.
type indexEntry struct {
	offset uint64
	key    []byte
}
