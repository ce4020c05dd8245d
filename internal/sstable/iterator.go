package sstable

import (
	"github.com/segmentdb/segmentdb/internal/block"
	"github.com/segmentdb/segmentdb/internal/kv"
)

// Iterator walks an SSTable's entries in key order, one block at a time,
// loading each block lazily as the previous one is exhausted.
type Iterator struct {
	r        *Reader
	blockIdx int
	entries  []kv.Entry
	pos      int
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() (*Iterator, error) {
	it := &Iterator{r: r, blockIdx: -1}
	return it, nil
}

func (it *Iterator) loadBlock(idx int) error {
	it.blockIdx = idx
	it.pos = 0
	it.entries = nil
	if idx >= len(it.r.index) {
		return nil
	}
	raw, _, err := block.ReadBlockAt(it.r.f, int64(it.r.index[idx].offset))
	if err != nil {
		return err
	}
	entries, err := block.DecodeEntries(raw)
	if err != nil {
		return err
	}
	it.entries = entries
	return nil
}

// Next returns the next entry in key order, or ok=false at end of file.
func (it *Iterator) Next() (kv.Entry, bool, error) {
	if it.blockIdx == -1 {
		if err := it.loadBlock(0); err != nil {
			return kv.Entry{}, false, err
		}
	}
	for it.pos >= len(it.entries) {
		if it.blockIdx+1 >= len(it.r.index) {
			return kv.Entry{}, false, nil
		}
		if err := it.loadBlock(it.blockIdx + 1); err != nil {
			return kv.Entry{}, false, err
		}
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}
