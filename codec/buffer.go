// Package codec is the bit-exact little-endian framer used by every
// persistent record format in arrowlog (spec §4.1): log record frames,
// manifest edits, and — reused per SPEC_FULL.md §4.9 — the wire framing of
// both transport adapters. Offsets are caller-tracked; a short buffer is
// treated as a fatal corruption, since bounding reads is the caller's
// responsibility.
package codec

import (
	"encoding/binary"
	"hash/crc32"
)

// crcTable is the Castagnoli (CRC32C) table named by spec §4.2/§4.3 for
// every on-disk frame. This is the one place in the repository that
// reaches for the standard library over a third-party crate: no example
// in the corpus vendors a dedicated crc32c package, and hash/crc32's
// Castagnoli table is the bit-exact, allocation-free way to compute it
// (see DESIGN.md).
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FrameWithCRC wraps payload in the `u32 length | u32 crc32c(payload) |
// payload` frame shared by every persistent and wire format in the system
// (log record frames, manifest edits, transport RPCs).
func FrameWithCRC(payload []byte) []byte {
	fw := NewWriter(8 + len(payload))
	fw.PutUint32(uint32(len(payload)))
	fw.PutUint32(crc32.Checksum(payload, crcTable))
	fw.PutBytes(payload)
	return fw.Bytes()
}

// UnframeWithCRC parses one FrameWithCRC frame from the start of buf,
// returning the verified payload and the total number of bytes the frame
// occupied. It never panics: a short header, a truncated body and a CRC
// mismatch are each returned as a plain error so callers can decide whether
// to treat them as fatal corruption or "not yet fully written".
func UnframeWithCRC(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < 8 {
		return nil, 0, errShortFrame
	}
	hdr := NewReader(buf[:8])
	length := hdr.GetUint32()
	crc := hdr.GetUint32()
	total := 8 + int(length)
	if total > len(buf) {
		return nil, 0, errTruncatedFrame
	}
	body := buf[8:total]
	if crc32.Checksum(body, crcTable) != crc {
		return nil, 0, errCRCMismatch
	}
	return body, total, nil
}

// Writer appends little-endian encoded values to a growing byte slice.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with the given initial capacity hint.
func NewWriter(capHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capHint)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// PutUint32 appends a little-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutUint64 appends a little-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// PutBytes appends a raw byte slice with no length prefix.
func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutLenPrefixed appends a u32-little-endian length prefix followed by b.
func (w *Writer) PutLenPrefixed(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.PutBytes(b)
}

// Reader decodes little-endian values from a fixed byte slice, tracking its
// own read offset.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps buf for sequential little-endian decoding starting at
// offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current read offset.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// require panics if fewer than n bytes remain; a short buffer is a fatal
// corruption per spec §4.1 — callers are responsible for bounding reads
// (e.g. checking a frame's declared length before decoding its payload).
func (r *Reader) require(n int) {
	if r.Remaining() < n {
		panic(ErrShortBuffer)
	}
}

// GetUint8 decodes a single byte.
func (r *Reader) GetUint8() uint8 {
	r.require(1)
	v := r.buf[r.off]
	r.off++
	return v
}

// GetUint32 decodes a little-endian uint32.
func (r *Reader) GetUint32() uint32 {
	r.require(4)
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

// GetUint64 decodes a little-endian uint64.
func (r *Reader) GetUint64() uint64 {
	r.require(8)
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// GetBytes decodes a raw n-byte slice (a view into the underlying buffer,
// not a copy).
func (r *Reader) GetBytes(n int) []byte {
	r.require(n)
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// GetLenPrefixed decodes a u32-length-prefixed byte slice.
func (r *Reader) GetLenPrefixed() []byte {
	n := r.GetUint32()
	return r.GetBytes(int(n))
}

// shortBufferError is a distinguished panic value so callers that want to
// recover a corruption (e.g. commitlog recovery) rather than crash the
// whole process can do so with a type assertion.
type shortBufferError struct{}

func (shortBufferError) Error() string { return "codec: short buffer" }

// ErrShortBuffer is the panic value raised by Get* methods when the buffer
// does not contain enough bytes to satisfy the read.
var ErrShortBuffer error = shortBufferError{}

// frameError distinguishes the three ways UnframeWithCRC can reject a
// frame, letting callers (e.g. a recovery scan that tolerates a torn final
// write) tell "not enough bytes yet" apart from "bytes present but wrong".
type frameError string

func (e frameError) Error() string { return string(e) }

var (
	errShortFrame     frameError = "codec: buffer shorter than frame header"
	errTruncatedFrame frameError = "codec: buffer shorter than declared frame length"
	errCRCMismatch    frameError = "codec: frame crc mismatch"
)
