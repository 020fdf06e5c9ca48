package ingest

import (
	"bytes"

	"github.com/valyala/bytebufferpool"
)

// ByteWindow holds the not yet classified tail of a body stream.
// The bytes live in a pooled buffer, so Release must be called when the
// parse is over.
type ByteWindow struct {
	buf *bytebufferpool.ByteBuffer
	off int // consumed prefix
}

func NewByteWindow() *ByteWindow {
	w := new(ByteWindow)
	w.buf = bytebufferpool.Get()
	return w
}

// Release returns the backing buffer to the pool. The window is unusable afterwards.
func (w *ByteWindow) Release() {
	if w.buf != nil {
		bytebufferpool.Put(w.buf)
		w.buf = nil
	}
	w.off = 0
}

func (w *ByteWindow) Append(p []byte) {
	w.compact()
	w.buf.Write(p)
}

// Bytes returns the unconsumed bytes. The slice is valid until the next mutation.
func (w *ByteWindow) Bytes() []byte { return w.buf.B[w.off:] }

func (w *ByteWindow) Len() int { return len(w.buf.B) - w.off }

// Consume drops the first n unconsumed bytes.
func (w *ByteWindow) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= w.Len() {
		w.Reset()
		return
	}
	w.off += n
}

// Take copies out and consumes the first n bytes.
func (w *ByteWindow) Take(n int) []byte {
	if n > w.Len() {
		n = w.Len()
	}
	p := make([]byte, n)
	copy(p, w.Bytes())
	w.Consume(n)
	return p
}

// Index returns the offset of sep in the unconsumed bytes, or -1.
func (w *ByteWindow) Index(sep []byte) int { return bytes.Index(w.Bytes(), sep) }

// PartialSuffix returns the length of the longest suffix of the window that
// is a proper prefix of sep. Those bytes may be the start of a split delimiter
// and must not be classified yet.
func (w *ByteWindow) PartialSuffix(sep []byte) int {
	b := w.Bytes()
	max := len(sep) - 1
	if max > len(b) {
		max = len(b)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(b[len(b)-n:], sep[:n]) {
			return n
		}
	}
	return 0
}

func (w *ByteWindow) Reset() {
	w.buf.Reset()
	w.off = 0
}

// compact slides the unconsumed bytes to the start once the dead prefix
// outweighs the live data.
func (w *ByteWindow) compact() {
	if w.off == 0 || w.off < w.Len() {
		return
	}
	n := copy(w.buf.B, w.buf.B[w.off:])
	w.buf.B = w.buf.B[:n]
	w.off = 0
}
