// Package wal implements the durable, append-only write-ahead log: segment
// files, batched group-commit fsync, and crash-tolerant replay. A single
// writer goroutine drains a queue of pending writes and control requests,
// batching writes between fsyncs so concurrent callers share one fsync per
// batch instead of paying for one each.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/segmentdb/segmentdb/segmenterr"
)

// maxBatchRecords bounds how many records one fsync covers: predictable
// memory, bounded work per fsync, no clock dependency.
const maxBatchRecords = 256

const segmentPrefix = "wal-"
const segmentSuffix = ".log"

type requestKind int

const (
	reqWrite requestKind = iota
	reqRotate
	reqTruncate
	reqShutdown
)

type request struct {
	kind       requestKind
	data       []byte
	seq        uint64
	checkpoint uint64
	result     chan error
}

type segmentMeta struct {
	index  int
	path   string
	maxSeq uint64
}

// Writer owns exactly one WAL: one goroutine drains a queue of pending
// writes and control requests, batching writes between fsyncs.
type Writer struct {
	dir   string
	queue chan request
	wg    sync.WaitGroup

	segments     []segmentMeta
	currentIndex int
	currentPath  string
	currentFile  *os.File
	currentMax   uint64

	closeOnce sync.Once
}

// NewWriter opens (or creates) the WAL directory and resumes the latest
// segment as the active one, scanning older segments only far enough to
// learn their max seqno for later truncation.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "wal: create directory", err)
	}

	paths, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{dir: dir, queue: make(chan request, 1024)}

	if len(paths) == 0 {
		w.currentIndex = 1
		if err := w.openSegment(); err != nil {
			return nil, err
		}
	} else {
		for _, p := range paths[:len(paths)-1] {
			idx, maxSeq, err := scanSegment(p)
			if err != nil {
				return nil, err
			}
			w.segments = append(w.segments, segmentMeta{index: idx, path: p, maxSeq: maxSeq})
		}
		last := paths[len(paths)-1]
		idx, maxSeq, err := scanSegment(last)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(last, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, segmenterr.Wrap(segmenterr.KindIO, "wal: reopen active segment", err)
		}
		w.currentIndex = idx
		w.currentMax = maxSeq
		w.currentFile = f
		w.currentPath = last
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Writer) openSegment() error {
	path := filepath.Join(w.dir, segmentName(w.currentIndex))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "wal: create segment", err)
	}
	d, err := os.Open(w.dir)
	if err != nil {
		f.Close()
		return segmenterr.Wrap(segmenterr.KindIO, "wal: open directory for fsync", err)
	}
	err = d.Sync()
	d.Close()
	if err != nil {
		f.Close()
		return segmenterr.Wrap(segmenterr.KindIO, "wal: fsync directory", err)
	}
	w.currentFile = f
	w.currentPath = path
	w.currentMax = 0
	return nil
}

func segmentName(index int) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, index, segmentSuffix)
}

func parseSegmentIndex(path string) (int, error) {
	base := filepath.Base(path)
	base = strings.TrimPrefix(base, segmentPrefix)
	base = strings.TrimSuffix(base, segmentSuffix)
	return strconv.Atoi(base)
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, segmenterr.Wrap(segmenterr.KindIO, "wal: list directory", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// scanSegment reads a segment file up to (not including) its first torn
// record, returning its index (from the filename) and its highest seqno.
func scanSegment(path string) (int, uint64, error) {
	idx, err := parseSegmentIndex(path)
	if err != nil {
		return 0, 0, segmenterr.Wrap(segmenterr.KindCorruption, "wal: malformed segment filename", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, segmenterr.Wrap(segmenterr.KindIO, "wal: open segment for scan", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var maxSeq uint64
	for {
		rec, _, err := decode(r)
		if err != nil {
			break
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	return idx, maxSeq, nil
}

// Append enqueues rec and blocks until the batch containing it has been
// written and fsynced, or an error has occurred.
func (w *Writer) Append(rec Record) error {
	result := make(chan error, 1)
	w.queue <- request{kind: reqWrite, data: encode(rec), seq: rec.Seq, result: result}
	return <-result
}

// Rotate closes the active segment, files it as durable history, and opens
// a fresh one. Called at memtable rotation so a new segment is already in
// place before the immutable store is flushed.
func (w *Writer) Rotate() error {
	result := make(chan error, 1)
	w.queue <- request{kind: reqRotate, result: result}
	return <-result
}

// TruncateUpTo unlinks every segment whose highest seqno is <= checkpoint.
// It never removes the currently active segment.
func (w *Writer) TruncateUpTo(checkpoint uint64) error {
	result := make(chan error, 1)
	w.queue <- request{kind: reqTruncate, checkpoint: checkpoint, result: result}
	return <-result
}

// Close drains any in-flight batch, fsyncs, and stops the writer goroutine.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		result := make(chan error, 1)
		w.queue <- request{kind: reqShutdown, result: result}
		err = <-result
		w.wg.Wait()
	})
	return err
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		first := <-w.queue
		if w.handleControl(first) {
			return
		}
		if first.kind != reqWrite {
			continue
		}

		batch := []request{first}
	drain:
		for len(batch) < maxBatchRecords {
			select {
			case req := <-w.queue:
				if req.kind != reqWrite {
					w.commitBatch(batch)
					batch = nil
					if w.handleControl(req) {
						return
					}
					break drain
				}
				batch = append(batch, req)
			default:
				break drain
			}
		}
		if len(batch) > 0 {
			w.commitBatch(batch)
		}
	}
}

// handleControl processes a non-write request inline. It returns true if
// the writer goroutine should exit.
func (w *Writer) handleControl(req request) bool {
	switch req.kind {
	case reqRotate:
		req.result <- w.rotate()
		return false
	case reqTruncate:
		req.result <- w.truncateUpTo(req.checkpoint)
		return false
	case reqShutdown:
		req.result <- w.currentFile.Sync()
		w.currentFile.Close()
		return true
	default:
		return false
	}
}

func (w *Writer) commitBatch(batch []request) {
	total := 0
	for _, req := range batch {
		total += len(req.data)
	}
	buf := make([]byte, 0, total)
	for _, req := range batch {
		buf = append(buf, req.data...)
	}

	_, err := w.currentFile.Write(buf)
	if err == nil {
		err = w.currentFile.Sync()
	}
	if err != nil {
		err = segmenterr.Wrap(segmenterr.KindIO, "wal: group commit", err)
	} else {
		for _, req := range batch {
			if req.seq > w.currentMax {
				w.currentMax = req.seq
			}
		}
	}
	for _, req := range batch {
		req.result <- err
	}
}

func (w *Writer) rotate() error {
	if err := w.currentFile.Sync(); err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "wal: fsync before rotate", err)
	}
	if err := w.currentFile.Close(); err != nil {
		return segmenterr.Wrap(segmenterr.KindIO, "wal: close before rotate", err)
	}
	w.segments = append(w.segments, segmentMeta{index: w.currentIndex, path: w.currentPath, maxSeq: w.currentMax})
	w.currentIndex++
	return w.openSegment()
}

func (w *Writer) truncateUpTo(checkpoint uint64) error {
	kept := w.segments[:0:0]
	for _, seg := range w.segments {
		if seg.maxSeq <= checkpoint {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return segmenterr.Wrap(segmenterr.KindIO, "wal: unlink truncated segment", err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	w.segments = kept
	return nil
}

// Replay iterates every WAL segment in creation order, validating CRCs. A
// torn tail record terminates replay at that record without error: the
// records read so far, and the highest seqno among them, are returned.
func Replay(dir string) ([]Record, uint64, error) {
	paths, err := listSegments(dir)
	if err != nil {
		return nil, 0, err
	}

	var records []Record
	var maxSeq uint64
outer:
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, segmenterr.Wrap(segmenterr.KindIO, "wal: open segment for replay", err)
		}
		r := bufio.NewReader(f)
		for {
			rec, _, err := decode(r)
			if err == io.EOF {
				// Clean end of this segment; move on to the next one.
				break
			}
			if err != nil {
				// Torn tail: the record was being written when the
				// process crashed. Stop replay here entirely, never past it.
				f.Close()
				break outer
			}
			records = append(records, rec)
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
		}
		f.Close()
	}
	return records, maxSeq, nil
}
