// Package kv defines the entry type shared by every layer of the engine:
// the memtable, the WAL, the block codec, and the SSTable reader/writer all
// pass the same Entry around rather than each inventing their own.
package kv

import (
	"bytes"

	"github.com/segmentdb/segmentdb/segmenterr"
)

const (
	// MaxKeySize is the largest key SegmentDB will store.
	MaxKeySize = 65535
	// MaxValueSize is the largest value SegmentDB will store.
	MaxValueSize = 1<<32 - 1
)

// Entry is a single (key, value-or-tombstone, seqno) record. A tombstone
// carries no value; encoding a non-empty value alongside Tombstone=true is
// an illegal state the writers never produce.
type Entry struct {
	Key       []byte
	Value     []byte
	Seq       uint64
	Tombstone bool
}

// Compare orders keys lexicographically on unsigned bytes.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// ValidateKey enforces the engine's key constraints.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return segmenterr.New(segmenterr.KindInvalidArgument, "key must not be empty")
	}
	if len(key) > MaxKeySize {
		return segmenterr.New(segmenterr.KindInvalidArgument, "key exceeds maximum size")
	}
	return nil
}

// ValidateValue enforces the engine's value constraint.
func ValidateValue(value []byte) error {
	if uint64(len(value)) > MaxValueSize {
		return segmenterr.New(segmenterr.KindInvalidArgument, "value exceeds maximum size")
	}
	return nil
}
