package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlob_SmallStaysRaw(t *testing.T) {
	in := []byte("short state")
	blob := encodeBlob(in)
	assert.Equal(t, blobRaw, blob[0])
	out, err := decodeBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBlob_RepetitiveIsCompressed(t *testing.T) {
	in := bytes.Repeat([]byte("workspace-state "), 512)
	blob := encodeBlob(in)
	assert.Equal(t, blobLZ4, blob[0])
	assert.Less(t, len(blob), len(in))
	out, err := decodeBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBlob_Corrupt(t *testing.T) {
	for _, bad := range [][]byte{
		{blobRaw},
		{blobRaw, 5, 1, 2},
		{9, 1, 0},
		{blobLZ4, 100, 0xff, 0xff},
	} {
		_, err := decodeBlob(bad)
		assert.ErrorIs(t, err, errCorruptBlob)
	}
	out, err := decodeBlob(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
