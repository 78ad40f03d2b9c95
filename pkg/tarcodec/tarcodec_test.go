package tarcodec

import (
	"archive/tar"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/isptar/pkg/record"
)

func TestWriterProducesReadableTarArchive(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	file := &record.Record{Filename: "a/file.txt", Mode: 0644, Kind: record.KindFile, Size: 5, Uid: 1000, Gid: 1000, User: "alice", Group: "staff"}
	require.NoError(t, w.Add(file))
	require.NoError(t, w.WriteData(strings.NewReader("hello")))

	dir := &record.Record{Filename: "a/dir", Mode: 0755, Kind: record.KindDir, Uid: 1000, Gid: 1000}
	require.NoError(t, w.Add(dir))
	require.NoError(t, w.WriteTail(true))

	tr := tar.NewReader(&buf)

	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "a/file.txt", hdr.Name)
	assert.Equal(t, int64(5), hdr.Size)
	data := make([]byte, 5)
	_, err = tr.Read(data)
	require.True(t, err == nil || err.Error() == "EOF")
	assert.Equal(t, "hello", string(data))

	hdr, err = tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "a/dir", strings.TrimSuffix(hdr.Name, "/"))
	assert.Equal(t, byte(tar.TypeDir), byte(hdr.Typeflag))

	_, err = tr.Next()
	assert.Error(t, err)
}

func TestWriterLongNameUsesLongLink(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	longName := strings.Repeat("a/", 10) + strings.Repeat("f", 120)
	r := &record.Record{Filename: longName, Mode: 0644, Kind: record.KindFile, Size: 0}
	require.NoError(t, w.Add(r))
	require.NoError(t, w.WriteTail(true))

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, longName, hdr.Name)
}

func TestWriterLongSymlinkTargetUsesLongLink(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	longTarget := strings.Repeat("b/", 60) + "target"
	r := &record.Record{Filename: "link", Mode: 0777, Kind: record.KindSymlink, Linkname: longTarget}
	require.NoError(t, w.Add(r))
	require.NoError(t, w.WriteTail(true))

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, longTarget, hdr.Linkname)
}

func TestDataLeftCapsToBufferSize(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := &record.Record{Filename: "f", Kind: record.KindFile, Size: 100}
	require.NoError(t, w.Add(r))

	assert.Equal(t, int64(10), w.DataLeft(10))
	assert.Equal(t, int64(100), w.DataLeft(-1))
	assert.Equal(t, int64(100), w.DataLeft(200))
}

func TestAddDoneReducesRemainingPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := &record.Record{Filename: "f", Kind: record.KindFile, Size: 100}
	require.NoError(t, w.Add(r))

	w.AddDone(40)
	assert.Equal(t, int64(60), w.DataLeft(-1))
}
