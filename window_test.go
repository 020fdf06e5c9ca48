package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteWindow(t *testing.T) {
	w := NewByteWindow()
	defer w.Release()

	w.Append([]byte("hello "))
	w.Append([]byte("world"))
	assert.Equal(t, 11, w.Len())
	assert.Equal(t, 6, w.Index([]byte("world")))
	assert.Equal(t, -1, w.Index([]byte("moon")))

	assert.Equal(t, "hello", string(w.Take(5)))
	w.Consume(1)
	assert.Equal(t, "world", string(w.Bytes()))

	// compaction keeps the live bytes intact
	w.Append([]byte("!"))
	assert.Equal(t, "world!", string(w.Bytes()))

	w.Consume(100)
	assert.Equal(t, 0, w.Len())

	w.Append([]byte("abc"))
	w.Reset()
	assert.Equal(t, 0, w.Len())
}

func TestByteWindowPartialSuffix(t *testing.T) {
	w := NewByteWindow()
	defer w.Release()

	sep := []byte("\r\n--XYZ")
	w.Append([]byte("data\r\n--X"))
	assert.Equal(t, 5, w.PartialSuffix(sep))

	w.Reset()
	w.Append([]byte("data\r"))
	assert.Equal(t, 1, w.PartialSuffix(sep))

	w.Reset()
	w.Append([]byte("data"))
	assert.Equal(t, 0, w.PartialSuffix(sep))

	// a complete separator is not a partial one
	w.Reset()
	w.Append([]byte("\r\n--XYZ"))
	assert.Equal(t, 0, w.PartialSuffix(sep))
}
