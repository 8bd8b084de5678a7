package wirecodec

import "testing"

func TestCompactSizeRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000, ^uint64(0)} {
		w := NewWriter()
		w.WriteCompactSize(n)
		c := NewCursor(w.Bytes())
		got, err := c.ReadCompactSize()
		if err != nil {
			t.Fatalf("ReadCompactSize(%d): %v", n, err)
		}
		if got != n {
			t.Fatalf("round trip mismatch: want %d got %d", n, got)
		}
		if !c.Done() {
			t.Fatalf("expected cursor exhausted after reading %d", n)
		}
	}
}

func TestBytesRoundTripAndCap(t *testing.T) {
	w := NewWriter()
	w.WriteBytes([]byte("hello certificate"))
	c := NewCursor(w.Bytes())
	got, err := c.ReadBytes(64)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != "hello certificate" {
		t.Fatalf("got %q", got)
	}

	c2 := NewCursor(w.Bytes())
	if _, err := c2.ReadBytes(4); err == nil {
		t.Fatal("expected cap violation error")
	}
}

func TestTruncatedReadErrors(t *testing.T) {
	c := NewCursor([]byte{0x01})
	if _, err := c.ReadU64(); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestFixed32RoundTrip(t *testing.T) {
	var in [32]byte
	for i := range in {
		in[i] = byte(i)
	}
	w := NewWriter()
	w.WriteFixed32(in)
	c := NewCursor(w.Bytes())
	out, err := c.ReadFixed32()
	if err != nil {
		t.Fatalf("ReadFixed32: %v", err)
	}
	if out != in {
		t.Fatal("fixed32 round trip mismatch")
	}
}

func FuzzCursorDecode(f *testing.F) {
	seed := NewWriter()
	seed.WriteU32(7)
	seed.WriteCompactSize(300)
	seed.WriteBytes([]byte("payload"))
	f.Add(seed.Bytes())
	f.Add([]byte{0xfd, 0x00})
	f.Add([]byte{0xff})
	f.Fuzz(func(t *testing.T, data []byte) {
		c := NewCursor(data)
		// Decoders must fail cleanly on arbitrary input, never panic, and
		// never read past the buffer.
		_, _ = c.ReadU32()
		_, _ = c.ReadCompactSize()
		_, _ = c.ReadBytes(1 << 16)
		if c.Remaining() > len(data) {
			t.Fatalf("cursor read past its buffer")
		}
	})
}
