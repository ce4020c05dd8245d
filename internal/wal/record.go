package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/segmentdb/segmentdb/segmenterr"
)

// Op identifies a WAL record's operation.
type Op byte

const (
	OpPut Op = iota
	OpDelete
)

// Record is one durable write: a put or a delete, tagged with the seqno
// the engine assigned it under the write lock.
type Record struct {
	Seq   uint64
	Op    Op
	Key   []byte
	Value []byte
}

// recordHeaderSize is seqno(8) + op(1) + key_len(2) + val_len(4).
const recordHeaderSize = 15

// encode frames a record: length | seqno | op | key_len | val_len | key | value | crc32,
// where length covers everything between itself and the CRC, and the CRC
// covers everything preceding it (including the length field).
func encode(rec Record) []byte {
	payloadLen := recordHeaderSize + len(rec.Key) + len(rec.Value)
	buf := make([]byte, 4+payloadLen+4)

	binary.BigEndian.PutUint32(buf[0:4], uint32(payloadLen))
	off := 4
	binary.BigEndian.PutUint64(buf[off:off+8], rec.Seq)
	off += 8
	buf[off] = byte(rec.Op)
	off++
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(rec.Key)))
	off += 2
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(rec.Value)))
	off += 4
	copy(buf[off:], rec.Key)
	off += len(rec.Key)
	copy(buf[off:], rec.Value)
	off += len(rec.Value)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

// errTornRecord marks a record whose CRC did not validate or whose tail was
// truncated. Replay treats it as "the record was being written when the
// process crashed" and stops cleanly, never as a fatal error.
var errTornRecord = segmenterr.New(segmenterr.KindCorruption, "wal: torn record")

// maxRecordPayload bounds the length field read from disk before it is
// trusted for an allocation. Far above any real record (a record's key and
// value together are already size-limited well below this), it exists only
// so a torn tail whose length word itself is garbage can't drive a
// multi-gigabyte allocation attempt.
const maxRecordPayload = 64 << 20

// decode reads one framed record from r. io.EOF at a frame boundary is a
// clean end of segment; errTornRecord (or a wrapped read error mid-frame)
// signals a torn tail.
func decode(r *bufio.Reader) (Record, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, errTornRecord
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen > maxRecordPayload {
		return Record{}, 0, errTornRecord
	}

	rest := make([]byte, int(payloadLen)+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Record{}, 0, errTornRecord
	}

	full := make([]byte, 0, 4+len(rest))
	full = append(full, lenBuf[:]...)
	full = append(full, rest[:payloadLen]...)

	wantCRC := binary.BigEndian.Uint32(rest[payloadLen:])
	if crc32.ChecksumIEEE(full) != wantCRC {
		return Record{}, 0, errTornRecord
	}

	p := full[4:]
	if len(p) < recordHeaderSize {
		return Record{}, 0, errTornRecord
	}
	seq := binary.BigEndian.Uint64(p[0:8])
	op := Op(p[8])
	keyLen := binary.BigEndian.Uint16(p[9:11])
	valLen := binary.BigEndian.Uint32(p[11:15])
	body := p[recordHeaderSize:]
	if len(body) != int(keyLen)+int(valLen) {
		return Record{}, 0, errTornRecord
	}
	key := append([]byte(nil), body[:keyLen]...)
	value := append([]byte(nil), body[keyLen:]...)

	return Record{Seq: seq, Op: op, Key: key, Value: value}, 4 + len(rest), nil
}
