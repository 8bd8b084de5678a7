// Package wirecodec is the binary encoder/decoder shared by every canonical
// on-disk and on-wire encoding in this repository (batch headers,
// certificates, blocks, transport envelopes): a little-endian byte cursor
// plus a Bitcoin-style CompactSize varint, kept in one package so every
// component shares one canonical codec.
package wirecodec

import (
	"encoding/binary"
	"fmt"
)

// Cursor reads sequentially from a fixed byte slice, erroring on
// truncation rather than panicking.
type Cursor struct {
	b   []byte
	pos int
}

func NewCursor(b []byte) *Cursor { return &Cursor{b: b} }

func (c *Cursor) Remaining() int {
	if c.pos >= len(c.b) {
		return 0
	}
	return len(c.b) - c.pos
}

func (c *Cursor) Done() bool { return c.Remaining() == 0 }

func (c *Cursor) ReadExact(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, fmt.Errorf("wirecodec: truncated (need %d, have %d)", n, c.Remaining())
	}
	start := c.pos
	c.pos += n
	return c.b[start:c.pos], nil
}

func (c *Cursor) ReadU8() (byte, error) {
	b, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) ReadU32() (uint32, error) {
	b, err := c.ReadExact(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) ReadU64() (uint64, error) {
	b, err := c.ReadExact(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *Cursor) ReadFixed32() ([32]byte, error) {
	var out [32]byte
	b, err := c.ReadExact(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// ReadCompactSize decodes a Bitcoin-style CompactSize varint, rejecting
// non-minimal encodings.
func (c *Cursor) ReadCompactSize() (uint64, error) {
	tag, err := c.ReadU8()
	if err != nil {
		return 0, err
	}
	switch {
	case tag < 0xfd:
		return uint64(tag), nil
	case tag == 0xfd:
		b, err := c.ReadExact(2)
		if err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(b)
		if v < 0xfd {
			return 0, fmt.Errorf("wirecodec: non-minimal compactsize (0xfd)")
		}
		return uint64(v), nil
	case tag == 0xfe:
		v, err := c.ReadU32()
		if err != nil {
			return 0, err
		}
		if v <= 0xffff {
			return 0, fmt.Errorf("wirecodec: non-minimal compactsize (0xfe)")
		}
		return uint64(v), nil
	default:
		v, err := c.ReadU64()
		if err != nil {
			return 0, err
		}
		if v <= 0xffffffff {
			return 0, fmt.Errorf("wirecodec: non-minimal compactsize (0xff)")
		}
		return v, nil
	}
}

// ReadBytes reads a CompactSize-prefixed byte string, capped at maxLen to
// bound memory from a malicious or corrupt peer.
func (c *Cursor) ReadBytes(maxLen uint64) ([]byte, error) {
	n, err := c.ReadCompactSize()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, fmt.Errorf("wirecodec: length %d exceeds cap %d", n, maxLen)
	}
	return c.ReadExact(int(n))
}

func (c *Cursor) ReadString(maxLen uint64) (string, error) {
	b, err := c.ReadBytes(maxLen)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Writer accumulates an encoded byte sequence.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteFixed32(v [32]byte) { w.buf = append(w.buf, v[:]...) }

func (w *Writer) WriteCompactSize(n uint64) {
	switch {
	case n < 0xfd:
		w.WriteU8(byte(n))
	case n <= 0xffff:
		w.WriteU8(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		w.buf = append(w.buf, b[:]...)
	case n <= 0xffffffff:
		w.WriteU8(0xfe)
		w.WriteU32(uint32(n))
	default:
		w.WriteU8(0xff)
		w.WriteU64(n)
	}
}

func (w *Writer) WriteBytes(b []byte) {
	w.WriteCompactSize(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteString(s string) { w.WriteBytes([]byte(s)) }
