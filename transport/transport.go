// Package transport is the length-delimited framed message layer shared
// by the gateway (peer gossip) and the primary/worker intra-cluster RPC:
// 4-byte magic, one-byte tag, 4-byte little-endian length, 4-byte
// checksum. The tag is a one-byte discriminant rather than an ASCII
// command field because the message set is a closed enum rather than an
// open command namespace.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	frameHeaderSize    = 4 + 1 + 4 + 4 // magic + tag + length + checksum
	MaxFramePayload    = 32 << 20
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
)

// Magic distinguishes the two protocols so a stray
// connection on the wrong port fails fast instead of decoding garbage.
type Magic [4]byte

var (
	MagicGateway = Magic{0x44, 0x41, 0x47, 0x31} // "DAG1"
	MagicIntra   = Magic{0x49, 0x4e, 0x54, 0x31} // "INT1"
)

// Frame is one decoded message: a tag byte plus its payload.
type Frame struct {
	Tag     byte
	Payload []byte
}

// Conn wraps a net.Conn with the framed read/write protocol. It is not
// safe for concurrent Write from multiple goroutines (callers serialize
// writes; each peer has exactly one write task).
type Conn struct {
	magic  Magic
	nc     net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func NewConn(nc net.Conn, magic Magic) *Conn {
	return &Conn{magic: magic, nc: nc, reader: bufio.NewReader(nc), writer: bufio.NewWriter(nc)}
}

func (c *Conn) Raw() net.Conn { return c.nc }

func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) WriteFrame(tag byte, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("transport: payload %d exceeds cap %d", len(payload), MaxFramePayload)
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}
	header := make([]byte, frameHeaderSize)
	copy(header[0:4], c.magic[:])
	header[4] = tag
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))
	sum := checksum(payload)
	copy(header[9:13], sum[:])
	if _, err := c.writer.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.writer.Write(payload); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func (c *Conn) ReadFrame() (Frame, error) {
	var f Frame
	if err := c.nc.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		return f, err
	}
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return f, err
	}
	var gotMagic Magic
	copy(gotMagic[:], header[0:4])
	if gotMagic != c.magic {
		return f, fmt.Errorf("transport: bad magic %x", gotMagic)
	}
	tag := header[4]
	length := binary.LittleEndian.Uint32(header[5:9])
	if uint64(length) > MaxFramePayload {
		return f, fmt.Errorf("transport: frame length %d exceeds cap", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			return f, err
		}
	}
	var wantSum [4]byte
	copy(wantSum[:], header[9:13])
	if checksum(payload) != wantSum {
		return f, fmt.Errorf("transport: checksum mismatch")
	}
	f.Tag = tag
	f.Payload = payload
	return f, nil
}

func checksum(payload []byte) [4]byte {
	h := sha3.Sum256(payload)
	var out [4]byte
	copy(out[:], h[:4])
	return out
}
