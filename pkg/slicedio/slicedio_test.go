package slicedio

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/isptar/pkg/common"
)

func TestWriterReaderRoundTripSingleSlice(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")

	w, err := NewWriter(base, 1024, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello, world"))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	r := NewReader(base, nil)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(got))
}

func TestWriterRolloverAcrossSlices(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")

	w, err := NewWriter(base, 4, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	assert.FileExists(t, base+common.SliceSeparator+"1")
	assert.FileExists(t, base+common.SliceSeparator+"2")
	assert.FileExists(t, base+common.SliceSeparator+"3")

	r := NewReader(base, nil)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(got))
}

func TestWriterFinishInvokesHookOnEverySlice(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")

	var uploaded []string
	hook := func(filename, context string) error {
		uploaded = append(uploaded, filename)
		return nil
	}

	w, err := NewWriter(base, 4, hook)
	require.NoError(t, err)
	_, err = w.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	assert.Len(t, uploaded, 2)
}

func TestOffsetSize(t *testing.T) {
	a := Offset{Slice: 1, Byte: 10}
	b := Offset{Slice: 3, Byte: 2}
	assert.Equal(t, int64(2*100+2-10), a.Size(b, 100))
}

func TestReaderSeekFromEnd(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")

	w, err := NewWriter(base, 1024, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	r := NewReader(base, nil)
	defer r.Close()
	off, err := r.Seek(0, -4, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), off.Byte)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(got))
}

func TestReaderMissingSliceWithoutHookErrors(t *testing.T) {
	base := filepath.Join(t.TempDir(), "missing")
	r := NewReader(base, nil)
	defer r.Close()
	_, err := r.Read(make([]byte, 16))
	assert.Error(t, err)
}
