package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentdb/segmentdb/internal/kv"
	"github.com/segmentdb/segmentdb/internal/sstable"
)

func TestOpenEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(m.Live()) != 0 {
		t.Fatalf("expected no live sstables, got %d", len(m.Live()))
	}
}

func TestAllocateIDPersists(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1, err := m.AllocateID()
	if err != nil {
		t.Fatalf("AllocateID: %v", err)
	}
	id2, err := m.AllocateID()
	if err != nil {
		t.Fatalf("AllocateID: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("expected strictly increasing ids, got %d then %d", id1, id2)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id3, err := reopened.AllocateID()
	if err != nil {
		t.Fatalf("AllocateID after reopen: %v", err)
	}
	if id3 <= id2 {
		t.Fatalf("id allocation did not survive reopen: got %d after %d", id3, id2)
	}
}

func TestAddAndRemoveSSTables(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	meta := SSTableMeta{ID: 1, Filename: "sst-000001.sst", Level: 0, MinKey: []byte("a"), MaxKey: []byte("z"), EntryCount: 10}
	if err := m.AddSSTable(meta); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}
	if len(m.Live()) != 1 {
		t.Fatalf("expected 1 live sstable, got %d", len(m.Live()))
	}

	if err := m.RemoveSSTables([]uint64{1}); err != nil {
		t.Fatalf("RemoveSSTables: %v", err)
	}
	if len(m.Live()) != 0 {
		t.Fatalf("expected 0 live sstables after removal, got %d", len(m.Live()))
	}
}

func TestCandidatesForOrdering(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Two overlapping level-0 tables, newest created second.
	if err := m.AddSSTable(SSTableMeta{ID: 1, Filename: "a.sst", Level: 0, MinKey: []byte("a"), MaxKey: []byte("m"), CreatedAt: 1}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}
	if err := m.AddSSTable(SSTableMeta{ID: 2, Filename: "b.sst", Level: 0, MinKey: []byte("a"), MaxKey: []byte("m"), CreatedAt: 2}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}
	// A non-overlapping level-1 table.
	if err := m.AddSSTable(SSTableMeta{ID: 3, Filename: "c.sst", Level: 1, MinKey: []byte("n"), MaxKey: []byte("z"), CreatedAt: 3}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	cands := m.CandidatesFor([]byte("d"))
	if len(cands) != 2 {
		t.Fatalf("CandidatesFor(d) = %d candidates, want 2 (both level-0 tables)", len(cands))
	}
	if cands[0].ID != 2 {
		t.Fatalf("newest level-0 table should be checked first, got id %d", cands[0].ID)
	}

	cands = m.CandidatesFor([]byte("p"))
	if len(cands) != 3 || cands[0].ID != 2 || cands[1].ID != 1 || cands[2].ID != 3 {
		t.Fatalf("CandidatesFor(p) = %+v, want every level-0 table newest-first, then the level-1 table", cands)
	}

	cands = m.CandidatesFor([]byte("zzz"))
	for _, c := range cands {
		if c.ID == 3 {
			t.Fatal("level-1 table's range does not contain zzz, should not be a candidate")
		}
	}
}

func TestRecoverScansSSTFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := sstable.NewWriter(dir, "sst-000001.sst", 0, sstable.WriterOptions{BlockSize: 256, FilterFPR: 0.01, ExpectedEntryCount: 10})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 10; i++ {
		e := kv.Entry{Key: []byte(fmt.Sprintf("k%03d", i)), Value: []byte("v"), Seq: uint64(i + 1)}
		if err := w.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "stray.tmp"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write stray tmp file: %v", err)
	}

	m, err := Recover(dir, dir)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	live := m.Live()
	if len(live) != 1 {
		t.Fatalf("Recover found %d sstables, want 1", len(live))
	}
	if live[0].EntryCount != 10 {
		t.Fatalf("recovered EntryCount = %d, want 10", live[0].EntryCount)
	}
	if _, err := os.Stat(filepath.Join(dir, "stray.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected Recover to unlink stray .tmp files")
	}
}
