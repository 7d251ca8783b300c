package crdt

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when an update, state vector, or protocol
// message ends before its declared contents.
var ErrTruncated = errors.New("truncated input")

// encoder accumulates a varint-framed binary payload.
type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// decoder consumes a varint-framed binary payload.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) uvarint() (uint64, error) {
	var v, n = binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	d.off += n
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	var n, err = d.uvarint()
	if err != nil {
		return nil, err
	} else if uint64(d.off)+n > uint64(len(d.buf)) {
		return nil, ErrTruncated
	}
	var out = d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return out, nil
}

func (d *decoder) remaining() []byte { return d.buf[d.off:] }
