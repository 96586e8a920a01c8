package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/Ripolin/segrep/core"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c core.Compressor, data []byte) {
	t.Helper()
	compressed, err := c.Compress(data)
	require.NoError(t, err)

	rc, err := c.Decompress(compressed)
	require.NoError(t, err)
	defer rc.Close()

	decompressed, err := io.ReadAll(rc)
	require.NoError(t, err)
	if len(data) == 0 {
		require.Empty(t, decompressed)
		return
	}
	require.Equal(t, data, decompressed)
}

func TestCompressors_RoundTrip(t *testing.T) {
	zstdCompressor, err := NewZstdCompressor()
	require.NoError(t, err)

	compressors := map[string]core.Compressor{
		"none":   &NoCompressionCompressor{},
		"snappy": NewSnappyCompressor(),
		"lz4":    NewLz4Compressor(),
		"zstd":   zstdCompressor,
	}

	payloads := map[string][]byte{
		"empty":      {},
		"short":      []byte("hello"),
		"repetitive": bytes.Repeat([]byte("segment replication "), 512),
	}

	for name, c := range compressors {
		t.Run(name, func(t *testing.T) {
			for payloadName, payload := range payloads {
				t.Run(payloadName, func(t *testing.T) {
					roundTrip(t, c, payload)
				})
			}
		})
	}
}

func TestCompressors_Type(t *testing.T) {
	require.Equal(t, core.CompressionNone, (&NoCompressionCompressor{}).Type())
	require.Equal(t, core.CompressionSnappy, NewSnappyCompressor().Type())
	require.Equal(t, core.CompressionLZ4, NewLz4Compressor().Type())

	z, err := NewZstdCompressor()
	require.NoError(t, err)
	require.Equal(t, core.CompressionZSTD, z.Type())
}

func TestForCompressionType(t *testing.T) {
	for _, ct := range []core.CompressionType{
		core.CompressionNone,
		core.CompressionSnappy,
		core.CompressionLZ4,
		core.CompressionZSTD,
	} {
		c, err := ForType(ct)
		require.NoError(t, err)
		require.Equal(t, ct, c.Type())
	}

	_, err := ForType(core.CompressionType(99))
	require.Error(t, err)
}
