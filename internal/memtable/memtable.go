// Package memtable implements the sorted in-memory write buffer, its
// rotation into an immutable FIFO awaiting flush, and the FlushTask handed
// to the background flush goroutine. Appending to the write-ahead log is a
// separate concern handled by the caller under the same write lock; a
// memtable here only ever holds entries already made durable elsewhere.
package memtable

import (
	"sync"

	"github.com/segmentdb/segmentdb/internal/kv"
)

// Memtable is a sorted key -> latest-entry mapping plus a running byte
// accounting, used to decide rotation.
type Memtable struct {
	mu            sync.RWMutex
	list          *skipList
	checkpointSeq uint64
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{list: newSkipList()}
}

// Put records a value for key at seqno.
func (m *Memtable) Put(key, value []byte, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Put(kv.Entry{Key: key, Value: value, Seq: seq})
	if seq > m.checkpointSeq {
		m.checkpointSeq = seq
	}
}

// Delete records a tombstone for key at seqno.
func (m *Memtable) Delete(key []byte, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Put(kv.Entry{Key: key, Tombstone: true, Seq: seq})
	if seq > m.checkpointSeq {
		m.checkpointSeq = seq
	}
}

// Get resolves key against this store alone.
func (m *Memtable) Get(key []byte) (kv.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Get(key)
}

// ApproximateSize returns the running byte-size estimate used for rotation.
func (m *Memtable) ApproximateSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.size
}

// IterSorted returns every entry in ascending key order, for feeding an
// SSTable writer at flush time.
func (m *Memtable) IterSorted() []kv.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.All()
}

// CheckpointSeq returns the highest seqno this store has observed.
func (m *Memtable) CheckpointSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpointSeq
}

// FlushTask pairs a retired, now-immutable store with the checkpoint seqno
// the WAL should be truncated to once the store is durably flushed.
type FlushTask struct {
	Store         *Memtable
	CheckpointSeq uint64
}

// Set holds the active memtable plus the FIFO of immutable memtables that
// have been rotated out and are awaiting flush. Rotation holds Set's lock
// only for the swap; the flush itself proceeds without it.
type Set struct {
	mu        sync.Mutex
	active    *Memtable
	immutable []*FlushTask // oldest first
	maxBytes  int
}

// NewSet returns a Set whose active memtable rotates once it reaches
// maxBytes of approximate live size.
func NewSet(maxBytes int) *Set {
	return &Set{active: New(), maxBytes: maxBytes}
}

// Put writes key/value at seqno and rotates the active store if it is now
// full, returning the resulting FlushTask (nil if no rotation occurred).
func (s *Set) Put(key, value []byte, seq uint64) *FlushTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Put(key, value, seq)
	return s.rotateIfFullLocked()
}

// Delete writes a tombstone for key at seqno and rotates if now full.
func (s *Set) Delete(key []byte, seq uint64) *FlushTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Delete(key, seq)
	return s.rotateIfFullLocked()
}

func (s *Set) rotateIfFullLocked() *FlushTask {
	if s.active.ApproximateSize() < s.maxBytes {
		return nil
	}
	task := &FlushTask{Store: s.active, CheckpointSeq: s.active.CheckpointSeq()}
	s.active = New()
	s.immutable = append(s.immutable, task)
	return task
}

// Get resolves key against the active memtable, then each immutable
// memtable from newest to oldest, so no key disappears during rotation.
func (s *Set) Get(key []byte) (kv.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.active.Get(key); ok {
		return e, true
	}
	for i := len(s.immutable) - 1; i >= 0; i-- {
		if e, ok := s.immutable[i].Store.Get(key); ok {
			return e, true
		}
	}
	return kv.Entry{}, false
}

// DropFlushed removes task from the immutable FIFO once it has been
// durably flushed. Tasks are flushed strictly in enqueue order, so task is
// expected to be the oldest entry.
func (s *Set) DropFlushed(task *FlushTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.immutable) > 0 && s.immutable[0] == task {
		s.immutable = s.immutable[1:]
	}
}

// PendingCount returns how many immutable stores are awaiting flush.
func (s *Set) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.immutable)
}
