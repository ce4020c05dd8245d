package memtable

import (
	"math/rand"
	"time"
	"unsafe"

	"github.com/segmentdb/segmentdb/internal/kv"
)

// maxLevel bounds how tall a tower can grow; levelProbability is the
// per-level coin-flip probability of growing another level.
const (
	maxLevel         = 18
	levelProbability = 0.5
)

type element struct {
	kv.Entry
	next []*element
}

// skipList is a sorted, uniquely-keyed associative container: only the
// latest entry per key is retained.
type skipList struct {
	level int
	rnd   *rand.Rand
	size  int
	head  *element
}

func newSkipList() *skipList {
	return &skipList{
		level: 1,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		head:  &element{next: make([]*element, maxLevel)},
	}
}

func (s *skipList) randomLevel() int {
	lvl := 1
	for s.rnd.Float64() < levelProbability && lvl < maxLevel {
		lvl++
	}
	return lvl
}

// Put inserts or overwrites the entry for e.Key and returns the resulting
// change in approximate byte size.
func (s *skipList) Put(e kv.Entry) int {
	update := make([]*element, maxLevel)
	curr := s.head
	for i := maxLevel - 1; i >= 0; i-- {
		for curr.next[i] != nil && kv.Compare(curr.next[i].Key, e.Key) < 0 {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	if curr.next[0] != nil && kv.Compare(curr.next[0].Key, e.Key) == 0 {
		existing := curr.next[0]
		delta := len(e.Value) - len(existing.Value)
		existing.Value = e.Value
		existing.Tombstone = e.Tombstone
		existing.Seq = e.Seq
		s.size += delta
		return delta
	}

	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}

	node := &element{Entry: e, next: make([]*element, lvl)}
	for i := 0; i < lvl; i++ {
		node.next[i] = update[i].next[i]
		update[i].next[i] = node
	}

	delta := len(e.Key) + len(e.Value) +
		int(unsafe.Sizeof(e.Seq)) + int(unsafe.Sizeof(e.Tombstone)) +
		lvl*int(unsafe.Sizeof((*element)(nil)))
	s.size += delta
	return delta
}

func (s *skipList) Get(key []byte) (kv.Entry, bool) {
	curr := s.head
	for i := maxLevel - 1; i >= 0; i-- {
		for curr.next[i] != nil && kv.Compare(curr.next[i].Key, key) < 0 {
			curr = curr.next[i]
		}
	}
	curr = curr.next[0]
	if curr != nil && kv.Compare(curr.Key, key) == 0 {
		return curr.Entry, true
	}
	return kv.Entry{}, false
}

// All returns every entry in ascending key order.
func (s *skipList) All() []kv.Entry {
	entries := make([]kv.Entry, 0, s.size)
	for curr := s.head.next[0]; curr != nil; curr = curr.next[0] {
		entries = append(entries, curr.Entry)
	}
	return entries
}
