package gzstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 9)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello, "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Flush(true))

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(got))
}

func TestWriterMultipleMembers(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 9)
	require.NoError(t, err)

	_, err = w.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, w.Flush(true))
	firstLen := buf.Len()

	_, err = w.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, w.Flush(true))

	r1, err := NewReader(bytes.NewReader(buf.Bytes()[:firstLen]), int64(firstLen))
	require.NoError(t, err)
	got1, err := io.ReadAll(r1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got1))

	r2, err := NewReader(bytes.NewReader(buf.Bytes()[firstLen:]), int64(buf.Len()-firstLen))
	require.NoError(t, err)
	got2, err := io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got2))
}

func TestFlushWithoutPendingDataIsNoOp(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 9)
	require.NoError(t, err)

	require.NoError(t, w.Flush(false))
	assert.Zero(t, buf.Len())
}

func TestPack(t *testing.T) {
	packed, err := Pack([]byte("a small trailer header"))
	require.NoError(t, err)
	assert.NotEmpty(t, packed)

	r, err := NewReader(bytes.NewReader(packed), int64(len(packed)))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "a small trailer header", string(got))
}
