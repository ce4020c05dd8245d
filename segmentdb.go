// Package segmentdb implements an embedded, ordered key-value store as a
// log-structured merge tree: a durable write-ahead log, a rotating
// memtable, levelled SSTables, and a JSON manifest tying it all together
// behind a single Engine facade.
package segmentdb

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentdb/segmentdb/internal/compaction"
	"github.com/segmentdb/segmentdb/internal/kv"
	"github.com/segmentdb/segmentdb/internal/manifest"
	"github.com/segmentdb/segmentdb/internal/memtable"
	"github.com/segmentdb/segmentdb/internal/sstable"
	"github.com/segmentdb/segmentdb/internal/wal"
	"github.com/segmentdb/segmentdb/segmenterr"
)

const (
	walDirName = "wal"
	sstDirName = "sstables"
	sstFileFmt = "sst-%06d.sst"
	flushQueue = 64
)

// Options configures an Engine. There is no file or environment loader:
// configuration parsing is out of scope, so callers build Options directly.
type Options struct {
	// MemtableBytes is the approximate live-byte budget before the active
	// memtable rotates. Default 4 MiB.
	MemtableBytes int
	// FilterFPR is the bloom filter's target false-positive rate.
	FilterFPR float64
	// BlockSize is the uncompressed-bytes threshold a block is flushed at.
	BlockSize int
	// Logger receives the engine's lifecycle and recovery messages. Defaults
	// to log.Default() when nil.
	Logger *log.Logger
}

// DefaultOptions returns the engine's default configuration.
func DefaultOptions() Options {
	return Options{
		MemtableBytes: 4 << 20,
		FilterFPR:     0.01,
		BlockSize:     4096,
		Logger:        log.Default(),
	}
}

// Engine is a single opened SegmentDB store.
type Engine struct {
	dataDir string
	walDir  string
	sstDir  string
	opts    Options
	logger  *log.Logger

	writeMu sync.Mutex
	nextSeq uint64
	wal     *wal.Writer
	mtables *memtable.Set

	manifest *manifest.Manifest

	readersMu sync.RWMutex
	readers   map[uint64]*sstable.Reader

	compactMu sync.Mutex

	flushCh   chan *memtable.FlushTask
	flushWg   sync.WaitGroup
	closed    atomic.Bool
	closeErr  error
	closeOnce sync.Once
}

// Open creates the data directory structure if absent, replays the WAL,
// loads (or recovers) the manifest, and opens a reader for every live
// SSTable.
func Open(dataDir string, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.MemtableBytes <= 0 {
		opts.MemtableBytes = DefaultOptions().MemtableBytes
	}
	if opts.FilterFPR <= 0 {
		opts.FilterFPR = DefaultOptions().FilterFPR
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultOptions().BlockSize
	}

	walDir := filepath.Join(dataDir, walDirName)
	sstDir := filepath.Join(dataDir, sstDirName)
	for _, d := range []string{dataDir, walDir, sstDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, segmenterr.Wrap(segmenterr.KindIO, "segmentdb: create data directory", err)
		}
	}

	opts.Logger.Printf("segmentdb: opening %s", dataDir)

	records, maxSeq, err := wal.Replay(walDir)
	if err != nil {
		return nil, err
	}
	opts.Logger.Printf("segmentdb: replayed %d wal records, resuming at seqno %d", len(records), maxSeq+1)

	ww, err := wal.NewWriter(walDir)
	if err != nil {
		return nil, err
	}

	mf, err := manifest.Open(dataDir)
	if err != nil {
		opts.Logger.Printf("segmentdb: manifest unreadable (%v), recovering by scan", err)
		mf, err = manifest.Recover(dataDir, sstDir)
		if err != nil {
			ww.Close()
			return nil, err
		}
	}

	e := &Engine{
		dataDir:  dataDir,
		walDir:   walDir,
		sstDir:   sstDir,
		opts:     opts,
		logger:   opts.Logger,
		nextSeq:  maxSeq + 1,
		wal:      ww,
		mtables:  memtable.NewSet(opts.MemtableBytes),
		manifest: mf,
		readers:  make(map[uint64]*sstable.Reader),
		flushCh:  make(chan *memtable.FlushTask, flushQueue),
	}

	for _, live := range mf.Live() {
		r, err := sstable.Open(filepath.Join(sstDir, live.Filename))
		if err != nil {
			e.closeReadersLocked()
			ww.Close()
			return nil, err
		}
		e.readers[live.ID] = r
	}
	opts.Logger.Printf("segmentdb: opened %d live sstables", len(e.readers))

	var pending []*memtable.FlushTask
	for _, rec := range records {
		var task *memtable.FlushTask
		switch rec.Op {
		case wal.OpPut:
			task = e.mtables.Put(rec.Key, rec.Value, rec.Seq)
		case wal.OpDelete:
			task = e.mtables.Delete(rec.Key, rec.Seq)
		}
		if task != nil {
			pending = append(pending, task)
		}
	}

	e.flushWg.Add(1)
	go e.flushLoop()
	for _, task := range pending {
		e.flushCh <- task
	}

	return e, nil
}

func (e *Engine) closeReadersLocked() {
	for _, r := range e.readers {
		r.Close()
	}
}

// Put stores value under key, durably.
func (e *Engine) Put(key, value []byte) error {
	if e.closed.Load() {
		return segmenterr.New(segmenterr.KindClosed, "segmentdb: engine is closed")
	}
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	if err := kv.ValidateValue(value); err != nil {
		return err
	}
	return e.write(wal.Record{Op: wal.OpPut, Key: key, Value: value}, false)
}

// Delete records a tombstone for key, durably.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return segmenterr.New(segmenterr.KindClosed, "segmentdb: engine is closed")
	}
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	return e.write(wal.Record{Op: wal.OpDelete, Key: key}, true)
}

func (e *Engine) write(rec wal.Record, tombstone bool) error {
	e.writeMu.Lock()
	seq := e.nextSeq
	e.nextSeq++
	rec.Seq = seq

	if err := e.wal.Append(rec); err != nil {
		e.writeMu.Unlock()
		return err
	}

	var task *memtable.FlushTask
	if tombstone {
		task = e.mtables.Delete(rec.Key, seq)
	} else {
		task = e.mtables.Put(rec.Key, rec.Value, seq)
	}

	if task != nil {
		if err := e.wal.Rotate(); err != nil {
			e.writeMu.Unlock()
			return err
		}
	}
	e.writeMu.Unlock()

	if task != nil {
		e.flushCh <- task
	}
	return nil
}

// Get resolves key against the active memtable, then immutable memtables
// newest-first, then the manifest's candidate SSTables in lookup order. It
// returns (nil, nil) for an absent key or an observed tombstone.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, segmenterr.New(segmenterr.KindClosed, "segmentdb: engine is closed")
	}
	if err := kv.ValidateKey(key); err != nil {
		return nil, err
	}

	if entry, ok := e.mtables.Get(key); ok {
		if entry.Tombstone {
			return nil, nil
		}
		return entry.Value, nil
	}

	for _, cand := range e.manifest.CandidatesFor(key) {
		e.readersMu.RLock()
		r := e.readers[cand.ID]
		e.readersMu.RUnlock()
		if r == nil {
			continue
		}
		entry, err := r.Get(key)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		if entry.Tombstone {
			return nil, nil
		}
		return entry.Value, nil
	}
	return nil, nil
}

// flushLoop is the engine's single background flush thread: it drains
// flushCh strictly in enqueue order, so enqueue order equals publish order.
// A nil task is the shutdown sentinel.
func (e *Engine) flushLoop() {
	defer e.flushWg.Done()
	for task := range e.flushCh {
		if task == nil {
			return
		}
		if err := e.flushOne(task); err != nil {
			e.logger.Printf("segmentdb: flush failed, wal remains authoritative: %v", err)
			return
		}
	}
}

func (e *Engine) flushOne(task *memtable.FlushTask) error {
	// opID correlates this flush's log lines across the write, manifest
	// update, and truncate steps; it is never written to disk.
	opID := uuid.New().String()
	entries := task.Store.IterSorted()

	id, err := e.manifest.AllocateID()
	if err != nil {
		return err
	}
	filename := fmt.Sprintf(sstFileFmt, id)

	w, err := sstable.NewWriter(e.sstDir, filename, 0, sstable.WriterOptions{
		BlockSize:          e.opts.BlockSize,
		FilterFPR:          e.opts.FilterFPR,
		ExpectedEntryCount: len(entries),
	})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := w.Add(entry); err != nil {
			w.Abandon()
			return err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		return err
	}

	r, err := sstable.Open(filepath.Join(e.sstDir, meta.Filename))
	if err != nil {
		return err
	}

	if err := e.manifest.AddSSTable(manifest.SSTableMeta{
		ID:         id,
		Filename:   meta.Filename,
		Level:      meta.Level,
		MinKey:     meta.MinKey,
		MaxKey:     meta.MaxKey,
		EntryCount: meta.EntryCount,
		FileSize:   meta.FileSize,
		CreatedAt:  time.Now().UnixNano(),
	}); err != nil {
		r.Close()
		return err
	}

	e.readersMu.Lock()
	e.readers[id] = r
	e.readersMu.Unlock()

	if err := e.wal.TruncateUpTo(task.CheckpointSeq); err != nil {
		return err
	}
	e.mtables.DropFlushed(task)
	e.logger.Printf("segmentdb: [%s] flushed %d entries to %s (level 0)", opID, len(entries), meta.Filename)
	return nil
}

// CompactLevel merges every live SSTable at level, plus every live SSTable
// at level+1, into one new level+1 SSTable, then atomically removes the
// inputs from the manifest and unlinks their files. Deciding when to call
// this is left to the caller; this method only implements the mechanism.
func (e *Engine) CompactLevel(level uint8) error {
	if e.closed.Load() {
		return segmenterr.New(segmenterr.KindClosed, "segmentdb: engine is closed")
	}
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	opID := uuid.New().String()
	live := e.manifest.Live()
	var inputs []manifest.SSTableMeta
	var hasDeeperLevel bool
	for _, s := range live {
		if s.Level == level || s.Level == level+1 {
			inputs = append(inputs, s)
		}
		if s.Level > level+1 {
			hasDeeperLevel = true
		}
	}
	if len(inputs) == 0 {
		return nil
	}

	// Newest first, so the merge's tie-break (equal seqno, which should not
	// happen in practice) favors the most recently created input.
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].CreatedAt > inputs[j].CreatedAt })

	e.readersMu.RLock()
	readers := make([]*sstable.Reader, 0, len(inputs))
	for _, in := range inputs {
		if r := e.readers[in.ID]; r != nil {
			readers = append(readers, r)
		}
	}
	e.readersMu.RUnlock()

	id, err := e.manifest.AllocateID()
	if err != nil {
		return err
	}
	filename := fmt.Sprintf(sstFileFmt, id)

	var totalEntries uint32
	for _, in := range inputs {
		totalEntries += in.EntryCount
	}
	w, err := sstable.NewWriter(e.sstDir, filename, level+1, sstable.WriterOptions{
		BlockSize:          e.opts.BlockSize,
		FilterFPR:          e.opts.FilterFPR,
		ExpectedEntryCount: int(totalEntries),
	})
	if err != nil {
		return err
	}

	bottommost := !hasDeeperLevel
	written, err := compaction.Merge(w, readers, bottommost)
	if err != nil {
		w.Abandon()
		return err
	}
	if written == 0 {
		w.Abandon()
		return e.finishEmptyCompaction(inputs)
	}

	meta, err := w.Finish()
	if err != nil {
		return err
	}
	r, err := sstable.Open(filepath.Join(e.sstDir, meta.Filename))
	if err != nil {
		return err
	}

	removedIDs := make([]uint64, len(inputs))
	for i, in := range inputs {
		removedIDs[i] = in.ID
	}
	if err := e.manifest.Swap(removedIDs, []manifest.SSTableMeta{{
		ID:         id,
		Filename:   meta.Filename,
		Level:      meta.Level,
		MinKey:     meta.MinKey,
		MaxKey:     meta.MaxKey,
		EntryCount: meta.EntryCount,
		FileSize:   meta.FileSize,
		CreatedAt:  time.Now().UnixNano(),
	}}); err != nil {
		r.Close()
		return err
	}

	e.readersMu.Lock()
	e.readers[id] = r
	for _, in := range inputs {
		if old := e.readers[in.ID]; old != nil {
			old.Close()
			delete(e.readers, in.ID)
		}
	}
	e.readersMu.Unlock()

	for _, in := range inputs {
		_ = os.Remove(filepath.Join(e.sstDir, in.Filename))
	}
	e.logger.Printf("segmentdb: [%s] compacted %d sstables into %s (level %d)", opID, len(inputs), meta.Filename, level+1)
	return nil
}

func (e *Engine) finishEmptyCompaction(inputs []manifest.SSTableMeta) error {
	removedIDs := make([]uint64, len(inputs))
	for i, in := range inputs {
		removedIDs[i] = in.ID
	}
	if err := e.manifest.RemoveSSTables(removedIDs); err != nil {
		return err
	}
	e.readersMu.Lock()
	for _, in := range inputs {
		if old := e.readers[in.ID]; old != nil {
			old.Close()
			delete(e.readers, in.ID)
		}
	}
	e.readersMu.Unlock()
	for _, in := range inputs {
		_ = os.Remove(filepath.Join(e.sstDir, in.Filename))
	}
	return nil
}

// Close drains the flush thread, closes the WAL, and closes every open
// SSTable reader. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.flushCh <- nil
		e.flushWg.Wait()

		if err := e.wal.Close(); err != nil {
			e.closeErr = err
		}
		e.readersMu.Lock()
		e.closeReadersLocked()
		e.readersMu.Unlock()
		e.logger.Printf("segmentdb: closed %s", e.dataDir)
	})
	return e.closeErr
}
