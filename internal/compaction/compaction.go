// Package compaction implements the k-way merge that reads N input SSTables
// in key order and writes their deduplicated union into one output SSTable,
// using a container/heap priority queue over per-input cursors so the whole
// overlap set for a level merges in a single pass.
package compaction

import (
	"bytes"
	"container/heap"

	"github.com/segmentdb/segmentdb/internal/kv"
	"github.com/segmentdb/segmentdb/internal/sstable"
)

// cursor tracks one input's next unconsumed entry.
type cursor struct {
	it    *sstable.Iterator
	entry kv.Entry
	// srcOrder breaks ties between equal keys: a higher srcOrder is a more
	// recently created input and wins when both entries carry the same seq
	// (which should not happen in practice, since seqnos are globally
	// unique, but the ordering must still be deterministic).
	srcOrder int
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].entry.Key, h[j].entry.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].srcOrder > h[j].srcOrder
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merge reads every entry from inputs in ascending key order, keeps only the
// highest-seqno version of each key, and writes the survivors into out.
// When bottommost is true, a surviving tombstone is dropped rather than
// written, since no older version of that key can exist beneath the
// bottommost level. Inputs should be given newest-first so that, on the
// rare case of equal seqnos, the newest input's entry wins. Merge returns
// the number of entries written.
func Merge(out *sstable.Writer, inputs []*sstable.Reader, bottommost bool) (int, error) {
	h := make(cursorHeap, 0, len(inputs))
	for i, r := range inputs {
		it, err := r.NewIterator()
		if err != nil {
			return 0, err
		}
		e, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if ok {
			h = append(h, &cursor{it: it, entry: e, srcOrder: len(inputs) - i})
		}
	}
	heap.Init(&h)

	written := 0
	var pending *kv.Entry
	emit := func(e kv.Entry) error {
		if bottommost && e.Tombstone {
			return nil
		}
		if err := out.Add(e); err != nil {
			return err
		}
		written++
		return nil
	}

	for h.Len() > 0 {
		top := h[0]
		e := top.entry

		next, ok, err := top.it.Next()
		if err != nil {
			return 0, err
		}
		if ok {
			top.entry = next
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}

		switch {
		case pending == nil:
			pending = &e
		case bytes.Equal(pending.Key, e.Key):
			if e.Seq > pending.Seq {
				pending = &e
			}
		default:
			if err := emit(*pending); err != nil {
				return 0, err
			}
			pending = &e
		}
	}
	if pending != nil {
		if err := emit(*pending); err != nil {
			return 0, err
		}
	}
	return written, nil
}
