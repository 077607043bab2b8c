package wire

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends primitive values to a growing body buffer in the
// big-endian, length-prefixed tuple encoding of §6.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{buf: make([]byte, 0, 64)} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) U16(v uint16) *Encoder {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *Encoder) U32(v uint32) *Encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// Bool encodes a boolean as a single byte.
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.U8(1)
	}
	return e.U8(0)
}

// Blob encodes a length-prefixed (u32) byte string.
func (e *Encoder) Blob(v []byte) *Encoder {
	e.U32(uint32(len(v)))
	e.buf = append(e.buf, v...)
	return e
}

// Str encodes a length-prefixed (u16) UTF-8 string, used for short fields
// such as cluster names and host strings.
func (e *Encoder) Str(v string) *Encoder {
	e.U16(uint16(len(v)))
	e.buf = append(e.buf, v...)
	return e
}

// UUID encodes a fixed 16-byte node UUID.
func (e *Encoder) UUID(v [16]byte) *Encoder {
	e.buf = append(e.buf, v[:]...)
	return e
}

// Address encodes a (host, port) pair as (length-prefixed host, u16 port).
func (e *Encoder) Address(host string, port uint16) *Encoder {
	e.Str(host)
	e.U16(port)
	return e
}

// Decoder reads primitive values off a body buffer in order, recording the
// first error encountered so callers can chain calls and check once.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(body []byte) *Decoder { return &Decoder{buf: body} }

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("wire: short read: need %d bytes, have %d", n, len(d.buf)-d.off)
		return false
	}
	return true
}

func (d *Decoder) U8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *Decoder) U16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *Decoder) U32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *Decoder) U64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *Decoder) Bool() bool { return d.U8() != 0 }

func (d *Decoder) Blob() []byte {
	n := d.U32()
	if !d.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return v
}

func (d *Decoder) Str() string {
	n := d.U16()
	if !d.need(int(n)) {
		return ""
	}
	v := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return v
}

func (d *Decoder) UUID() [16]byte {
	var v [16]byte
	if !d.need(16) {
		return v
	}
	copy(v[:], d.buf[d.off:d.off+16])
	d.off += 16
	return v
}

func (d *Decoder) Address() (string, uint16) {
	host := d.Str()
	port := d.U16()
	return host, port
}
