package oto

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMReader(t *testing.T) {
	r := &pcmReader{data: []byte{0, 1, 2, 3, 4, 5, 6, 7}}

	buf := make([]byte, 3)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), r.Offset())
	assert.False(t, r.AtEOF())

	off, err := r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), off)

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, r.AtEOF())

	_, err = r.Read(buf)
	assert.Equal(t, io.EOF, err)

	// seeking past the end clamps
	off, err = r.Seek(100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(8), off)

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)

	off, err = r.Seek(-4, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)
}
