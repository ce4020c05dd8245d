// Package manifest implements the authoritative list of live SSTables: a
// single JSON file rewritten atomically on every change. Each SSTable's
// min_key and max_key ride on encoding/json's built-in base64 handling of
// []byte fields, so no manual encoding is needed.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/segmentdb/segmentdb/internal/sstable"
	"github.com/segmentdb/segmentdb/segmenterr"
)

// FormatVersion is the current manifest format version.
const FormatVersion = 1

// SSTableMeta is one live SSTable's metadata record.
type SSTableMeta struct {
	ID         uint64 `json:"id"`
	Filename   string `json:"filename"`
	Level      uint8  `json:"level"`
	MinKey     []byte `json:"min_key"`
	MaxKey     []byte `json:"max_key"`
	EntryCount uint32 `json:"entry_count"`
	FileSize   int64  `json:"file_size"`
	CreatedAt  int64  `json:"created_at"`
}

type document struct {
	Version       int           `json:"version"`
	NextSSTableID uint64        `json:"next_sstable_id"`
	SSTables      []SSTableMeta `json:"sstables"`
}

// Manifest is the live-SSTable registry for one data directory.
type Manifest struct {
	mu   sync.Mutex
	dir  string
	path string
	doc  document
}

// Open loads the manifest file, or initializes an empty one if absent.
func Open(dir string) (*Manifest, error) {
	m := &Manifest{dir: dir, path: filepath.Join(dir, "MANIFEST")}

	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.doc = document{Version: FormatVersion, NextSSTableID: 1}
		return m, nil
	}
	if err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "manifest: read", err)
	}
	if err := json.Unmarshal(data, &m.doc); err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindCorruption, "manifest: parse", err)
	}
	if m.doc.Version > FormatVersion {
		return nil, segmenterr.New(segmenterr.KindUnsupportedVersion, "manifest: unsupported format version")
	}
	return m, nil
}

// Recover rebuilds a manifest by scanning *.sst files in sstDir when the
// manifest file in dataDir is missing or fails to parse: each file's header
// gives level and entry_count, and its first/last block gives
// min_key/max_key. Any *.tmp files in sstDir are unlinked. Recovery is
// advisory: a successful recovery immediately rewrites a valid manifest at
// dataDir/MANIFEST, the same location Open looks for it, so a later reopen
// does not re-trigger a full scan.
func Recover(dataDir, sstDir string) (*Manifest, error) {
	entries, err := os.ReadDir(sstDir)
	if err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "manifest: scan directory", err)
	}

	m := &Manifest{dir: dataDir, path: filepath.Join(dataDir, "MANIFEST")}
	m.doc = document{Version: FormatVersion, NextSSTableID: 1}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(sstDir, name))
			continue
		}
		if strings.HasSuffix(name, ".sst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var nextID uint64 = 1
	for _, name := range names {
		path := filepath.Join(sstDir, name)
		info, err := sstable.Inspect(path)
		if err != nil {
			continue // advisory recovery: skip what cannot be read
		}
		stat, err := os.Stat(path)
		var size int64
		if err == nil {
			size = stat.Size()
		}
		id := nextID
		nextID++
		m.doc.SSTables = append(m.doc.SSTables, SSTableMeta{
			ID:         id,
			Filename:   name,
			Level:      info.Level,
			MinKey:     info.MinKey,
			MaxKey:     info.MaxKey,
			EntryCount: info.EntryCount,
			FileSize:   size,
			CreatedAt:  int64(id),
		})
	}
	m.doc.NextSSTableID = nextID

	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// AllocateID persists and returns the next SSTable id.
func (m *Manifest) AllocateID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.doc.NextSSTableID
	m.doc.NextSSTableID++
	if err := m.saveLocked(); err != nil {
		m.doc.NextSSTableID--
		return 0, err
	}
	return id, nil
}

// AddSSTable records a newly published SSTable.
func (m *Manifest) AddSSTable(meta SSTableMeta) error {
	return m.Swap(nil, []SSTableMeta{meta})
}

// RemoveSSTables removes SSTables by id (used when a compaction's merge
// writes no entries, so its inputs are removed with no output added).
func (m *Manifest) RemoveSSTables(ids []uint64) error {
	return m.Swap(ids, nil)
}

// Swap atomically removes removedIDs and adds added in a single rewrite.
func (m *Manifest) Swap(removedIDs []uint64, added []SSTableMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make(map[uint64]bool, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = true
	}
	kept := make([]SSTableMeta, 0, len(m.doc.SSTables))
	for _, s := range m.doc.SSTables {
		if !removed[s.ID] {
			kept = append(kept, s)
		}
	}
	kept = append(kept, added...)

	prev := m.doc.SSTables
	m.doc.SSTables = kept
	if err := m.saveLocked(); err != nil {
		m.doc.SSTables = prev
		return err
	}
	return nil
}

// Live returns a snapshot of every live SSTable's metadata.
func (m *Manifest) Live() []SSTableMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SSTableMeta, len(m.doc.SSTables))
	copy(out, m.doc.SSTables)
	return out
}

// CandidatesFor returns the SSTables a lookup for key must consult, in
// lookup order: every level-0 entry newest-first by created_at/id, then at
// each level >= 1 the single entry (if any) whose [min_key, max_key] range
// contains key, found by binary search on min_key.
func (m *Manifest) CandidatesFor(key []byte) []SSTableMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	byLevel := map[uint8][]SSTableMeta{}
	for _, s := range m.doc.SSTables {
		byLevel[s.Level] = append(byLevel[s.Level], s)
	}

	var candidates []SSTableMeta
	if l0 := byLevel[0]; len(l0) > 0 {
		sorted := append([]SSTableMeta(nil), l0...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].CreatedAt != sorted[j].CreatedAt {
				return sorted[i].CreatedAt > sorted[j].CreatedAt
			}
			return sorted[i].ID > sorted[j].ID
		})
		candidates = append(candidates, sorted...)
	}

	var levels []uint8
	for l := range byLevel {
		if l != 0 {
			levels = append(levels, l)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	for _, l := range levels {
		entries := append([]SSTableMeta(nil), byLevel[l]...)
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].MinKey, entries[j].MinKey) < 0
		})
		idx := sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].MinKey, key) > 0
		})
		if idx == 0 {
			continue
		}
		cand := entries[idx-1]
		if bytes.Compare(key, cand.MinKey) >= 0 && bytes.Compare(key, cand.MaxKey) <= 0 {
			candidates = append(candidates, cand)
		}
	}
	return candidates
}

func (m *Manifest) saveLocked() error {
	data, err := json.Marshal(m.doc)
	if err != nil {
		return segmenterr.Wrap(segmenterr.KindInternal, "manifest: encode", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "manifest: create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return segmenterr.Wrap(segmenterr.KindIO, "manifest: write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return segmenterr.Wrap(segmenterr.KindIO, "manifest: fsync", err)
	}
	if err := f.Close(); err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "manifest: close", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "manifest: publish rename", err)
	}
	return fsyncDir(m.dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "manifest: open directory for fsync", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "manifest: fsync directory", err)
	}
	return nil
}
