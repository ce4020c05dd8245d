package compaction

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/segmentdb/segmentdb/internal/kv"
	"github.com/segmentdb/segmentdb/internal/sstable"
)

func buildTable(t *testing.T, dir, filename string, level uint8, entries []kv.Entry) *sstable.Reader {
	t.Helper()
	w, err := sstable.NewWriter(dir, filename, level, sstable.WriterOptions{BlockSize: 256, FilterFPR: 0.01, ExpectedEntryCount: len(entries)})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	meta, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, err := sstable.Open(dir + "/" + meta.Filename)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestMergeDedupesByHighestSeq(t *testing.T) {
	dir := t.TempDir()

	older := buildTable(t, dir, "older.sst", 0, []kv.Entry{
		{Key: []byte("a"), Value: []byte("old-a"), Seq: 1},
		{Key: []byte("b"), Value: []byte("old-b"), Seq: 2},
	})
	newer := buildTable(t, dir, "newer.sst", 0, []kv.Entry{
		{Key: []byte("a"), Value: []byte("new-a"), Seq: 3},
		{Key: []byte("c"), Value: []byte("new-c"), Seq: 4},
	})

	out, err := sstable.NewWriter(dir, "out.sst", 1, sstable.WriterOptions{BlockSize: 256, FilterFPR: 0.01, ExpectedEntryCount: 3})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	written, err := Merge(out, []*sstable.Reader{newer, older}, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if written != 3 {
		t.Fatalf("Merge wrote %d entries, want 3 (a, b, c deduplicated)", written)
	}
	meta, err := out.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	result, err := sstable.Open(dir + "/" + meta.Filename)
	if err != nil {
		t.Fatalf("Open output: %v", err)
	}
	defer result.Close()

	got, err := result.Get([]byte("a"))
	if err != nil || got == nil {
		t.Fatalf("Get(a) = (%v, %v)", got, err)
	}
	if !bytes.Equal(got.Value, []byte("new-a")) {
		t.Fatalf("Get(a).Value = %q, want new-a (higher seqno should win)", got.Value)
	}
}

func TestMergeDropsTombstonesAtBottommost(t *testing.T) {
	dir := t.TempDir()

	table := buildTable(t, dir, "in.sst", 1, []kv.Entry{
		{Key: []byte("a"), Value: []byte("v"), Seq: 1},
		{Key: []byte("b"), Tombstone: true, Seq: 2},
	})

	out, err := sstable.NewWriter(dir, "out.sst", 2, sstable.WriterOptions{BlockSize: 256, FilterFPR: 0.01, ExpectedEntryCount: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	written, err := Merge(out, []*sstable.Reader{table}, true)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if written != 1 {
		t.Fatalf("Merge wrote %d entries, want 1 (the tombstone should be dropped at the bottommost level)", written)
	}
}

func TestMergeKeepsTombstonesWhenNotBottommost(t *testing.T) {
	dir := t.TempDir()

	table := buildTable(t, dir, "in.sst", 0, []kv.Entry{
		{Key: []byte("a"), Tombstone: true, Seq: 1},
	})

	out, err := sstable.NewWriter(dir, "out.sst", 1, sstable.WriterOptions{BlockSize: 256, FilterFPR: 0.01, ExpectedEntryCount: 1})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	written, err := Merge(out, []*sstable.Reader{table}, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if written != 1 {
		t.Fatalf("Merge wrote %d entries, want 1 (tombstone retained above the bottommost level)", written)
	}
}

func TestMergeManyInputsOrdering(t *testing.T) {
	dir := t.TempDir()
	var readers []*sstable.Reader
	for i := 0; i < 5; i++ {
		readers = append(readers, buildTable(t, dir, fmt.Sprintf("in%d.sst", i), 0, []kv.Entry{
			{Key: []byte(fmt.Sprintf("k-%02d", i)), Value: []byte("v"), Seq: uint64(i + 1)},
		}))
	}

	out, err := sstable.NewWriter(dir, "out.sst", 1, sstable.WriterOptions{BlockSize: 256, FilterFPR: 0.01, ExpectedEntryCount: 5})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	written, err := Merge(out, readers, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if written != 5 {
		t.Fatalf("Merge wrote %d entries, want 5", written)
	}
	meta, err := out.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	result, err := sstable.Open(dir + "/" + meta.Filename)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer result.Close()

	it, err := result.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	var last []byte
	count := 0
	for {
		e, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if last != nil && bytes.Compare(last, e.Key) >= 0 {
			t.Fatalf("merged output not in strictly increasing key order")
		}
		last = e.Key
		count++
	}
	if count != 5 {
		t.Fatalf("iterated %d entries, want 5", count)
	}
}
