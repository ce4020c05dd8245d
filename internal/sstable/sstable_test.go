package sstable

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/segmentdb/segmentdb/internal/kv"
)

func writeTestTable(t *testing.T, dir, filename string, level uint8, entries []kv.Entry) Meta {
	t.Helper()
	w, err := NewWriter(dir, filename, level, WriterOptions{BlockSize: 256, FilterFPR: 0.01, ExpectedEntryCount: len(entries)})
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
	return meta
}

func sampleEntries(n int) []kv.Entry {
	entries := make([]kv.Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = kv.Entry{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d", i)),
			Seq:   uint64(i + 1),
		}
	}
	return entries
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := sampleEntries(200)
	meta := writeTestTable(t, dir, "sst-000001.sst", 0, entries)

	if meta.EntryCount != uint32(len(entries)) {
		t.Fatalf("EntryCount = %d, want %d", meta.EntryCount, len(entries))
	}
	if !bytes.Equal(meta.MinKey, entries[0].Key) {
		t.Fatalf("MinKey = %q, want %q", meta.MinKey, entries[0].Key)
	}
	if !bytes.Equal(meta.MaxKey, entries[len(entries)-1].Key) {
		t.Fatalf("MaxKey = %q, want %q", meta.MaxKey, entries[len(entries)-1].Key)
	}

	r, err := Open(dir + "/" + meta.Filename)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	for _, want := range entries {
		got, err := r.Get(want.Key)
		if err != nil {
			t.Fatalf("Get(%q): %v", want.Key, err)
		}
		if got == nil {
			t.Fatalf("Get(%q) = nil, want a value", want.Key)
		}
		if !bytes.Equal(got.Value, want.Value) {
			t.Fatalf("Get(%q).Value = %q, want %q", want.Key, got.Value, want.Value)
		}
	}

	if got, err := r.Get([]byte("absent-key")); err != nil || got != nil {
		t.Fatalf("Get(absent) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestReaderIteratorOrderAndCount(t *testing.T) {
	dir := t.TempDir()
	entries := sampleEntries(150)
	meta := writeTestTable(t, dir, "sst-000002.sst", 0, entries)

	r, err := Open(dir + "/" + meta.Filename)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	it, err := r.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	count := 0
	var last []byte
	for {
		e, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if last != nil && bytes.Compare(last, e.Key) >= 0 {
			t.Fatalf("iteration not strictly nondecreasing at key %q", e.Key)
		}
		last = e.Key
		count++
	}
	if uint32(count) != r.EntryCount() {
		t.Fatalf("iterated %d entries, EntryCount() = %d", count, r.EntryCount())
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bad.sst"
	if err := os.WriteFile(path, bytes.Repeat([]byte{0}, 64), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected Open to reject a file with no valid magic/footer")
	}
}

func TestInspectRecoversMinMaxKey(t *testing.T) {
	dir := t.TempDir()
	entries := sampleEntries(80)
	meta := writeTestTable(t, dir, "sst-000003.sst", 2, entries)

	info, err := Inspect(dir + "/" + meta.Filename)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Level != 2 {
		t.Fatalf("Level = %d, want 2", info.Level)
	}
	if !bytes.Equal(info.MinKey, entries[0].Key) {
		t.Fatalf("MinKey = %q, want %q", info.MinKey, entries[0].Key)
	}
	if !bytes.Equal(info.MaxKey, entries[len(entries)-1].Key) {
		t.Fatalf("MaxKey = %q, want %q", info.MaxKey, entries[len(entries)-1].Key)
	}
}
