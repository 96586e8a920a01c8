package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWALLocation_Compare(t *testing.T) {
	base := WALLocation{Generation: 2, Offset: 100, Size: 10}

	assert.Zero(t, base.Compare(WALLocation{Generation: 2, Offset: 100, Size: 99}), "size does not participate in ordering")
	assert.Negative(t, base.Compare(WALLocation{Generation: 3, Offset: 0}))
	assert.Positive(t, base.Compare(WALLocation{Generation: 1, Offset: 500}))
	assert.Negative(t, base.Compare(WALLocation{Generation: 2, Offset: 101}))
	assert.Positive(t, base.Compare(WALLocation{Generation: 2, Offset: 99}))
}

func TestFileHeader_SizeIsStable(t *testing.T) {
	h := NewFileHeader(WALMagicNumber, CompressionSnappy)
	assert.Equal(t, 14, h.Size())
	assert.Equal(t, FormatVersion, h.Version)
	assert.NotZero(t, h.CreatedAt)
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "noop", OpNoOp.String())
	assert.Equal(t, "unknown", OpType(99).String())

	assert.Equal(t, "none", CompressionNone.String())
	assert.Equal(t, "zstd", CompressionZSTD.String())
	assert.Equal(t, "unknown", CompressionType(99).String())
}
