// Package bloom implements the probabilistic set the SSTable writer
// builds and the SSTable reader consults before doing any disk I/O for a
// lookup. A single 128-bit xxh3
// hash is split into two halves and combined via Kirsch-Mitzenmacher double
// hashing to derive all k probe indices, avoiding k independent hash
// computations. The serialized filter embeds a hash identifier so a filter
// built with a different hash function is rejected on load instead of
// silently misread.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/segmentdb/segmentdb/segmenterr"
	"github.com/zeebo/xxh3"
)

// hashID is embedded in every serialized filter. A filter loaded with a
// different id is rejected outright rather than silently misinterpreted.
const hashID uint32 = 0x58483033 // "XH03"

// headerSize is hashID(4) + bitCount(8) + hashCount(4).
const headerSize = 16

// Filter is a Bloom filter over byte-string keys.
type Filter struct {
	bits []byte
	m    uint64 // number of bits
	k    uint32 // number of hash probes
}

// New sizes a filter for n expected keys at the given false-positive rate,
// using the classical optimum m = -n*ln(p)/(ln2)^2, k = (m/n)*ln2.
func New(n int, fpr float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

// probe returns the k bit indices for key using double hashing over a
// single 128-bit xxh3 hash, avoiding k independent hash computations.
func (f *Filter) probe(key []byte, fn func(idx uint64) bool) {
	h := xxh3.Hash128(key)
	h1, h2 := h.Hi, h.Lo
	if h2 == 0 {
		h2 = 1
	}
	for i := uint32(0); i < f.k; i++ {
		idx := (h1 + uint64(i)*h2) % f.m
		if !fn(idx) {
			return
		}
	}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	f.probe(key, func(idx uint64) bool {
		f.bits[idx/8] |= 1 << (idx % 8)
		return true
	})
}

// Contains returns false only if key was definitely never added; true is a
// possible false positive bounded by the filter's construction rate.
func (f *Filter) Contains(key []byte) bool {
	found := true
	f.probe(key, func(idx uint64) bool {
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			found = false
			return false
		}
		return true
	})
	return found
}

// Encode serializes the filter: hash_id | bit_count | hash_count | bitset.
func (f *Filter) Encode() []byte {
	buf := make([]byte, headerSize+len(f.bits))
	binary.BigEndian.PutUint32(buf[0:4], hashID)
	binary.BigEndian.PutUint64(buf[4:12], f.m)
	binary.BigEndian.PutUint32(buf[12:16], f.k)
	copy(buf[headerSize:], f.bits)
	return buf
}

// Decode deserializes a filter, refusing to load if the embedded hash
// identifier does not match this build's hash function.
func Decode(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, segmenterr.New(segmenterr.KindCorruption, "bloom filter: truncated header")
	}
	id := binary.BigEndian.Uint32(data[0:4])
	if id != hashID {
		return nil, segmenterr.New(segmenterr.KindCorruption, "bloom filter: hash identifier mismatch")
	}
	m := binary.BigEndian.Uint64(data[4:12])
	k := binary.BigEndian.Uint32(data[12:16])
	bits := data[headerSize:]
	want := (m + 7) / 8
	if uint64(len(bits)) != want {
		return nil, segmenterr.New(segmenterr.KindCorruption, "bloom filter: bitset size mismatch")
	}
	return &Filter{bits: bits, m: m, k: k}, nil
}
