package record

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFileName(t *testing.T) {
	names := []string{
		"plain",
		"with\ttab",
		"with\nnewline",
		`with\backslash`,
		"nested/dir/file",
	}
	for _, name := range names {
		encoded := EncodeFileName(name)
		decoded, err := DecodeFileName(encoded)
		require.NoError(t, err)
		assert.Equal(t, name, decoded)
	}
}

func TestDecodeFileNameRejectsBadEscape(t *testing.T) {
	_, err := DecodeFileName(`bad\x`)
	assert.Error(t, err)

	_, err = DecodeFileName(`trailing\`)
	assert.Error(t, err)
}

func TestRecordStrAndParseRoundTrip(t *testing.T) {
	cases := []*Record{
		{Filename: "a/file.txt", User: "alice", Uid: 1000, Group: "staff", Gid: 1000, Mode: 0644, Kind: KindFile, Time: 1700000000, Size: 42},
		{Filename: "a/dir", User: "alice", Uid: 1000, Group: "staff", Gid: 1000, Mode: 0755, Kind: KindDir},
		{Filename: "a/link", User: "alice", Uid: 1000, Group: "staff", Gid: 1000, Mode: 0777, Kind: KindSymlink, Linkname: "../target"},
		{Filename: "a/hard", User: "alice", Uid: 1000, Group: "staff", Gid: 1000, Mode: 0644, Kind: KindHard, Linkname: "a/file.txt"},
		{Filename: "a/dev", User: "root", Uid: 0, Group: "root", Gid: 0, Mode: 0600, Kind: KindChar, Devmajor: 1, Devminor: 3},
		{Filename: "a/fifo", User: "alice", Uid: 1000, Group: "staff", Gid: 1000, Mode: 0644, Kind: KindFifo},
	}

	for _, r := range cases {
		line := r.Str()
		var got Record
		require.NoError(t, got.Parse(line))
		assert.Equal(t, *r, got)
	}
}

func TestRecordParseRejectsShortLine(t *testing.T) {
	var r Record
	err := r.Parse("just\tone\tline")
	assert.Error(t, err)
}

func TestRecordEqual(t *testing.T) {
	base := &Record{Filename: "f", Kind: KindFile, Uid: 1, Gid: 1, Time: 100, Size: 10}

	t.Run("identical files are equal", func(t *testing.T) {
		other := &Record{Filename: "f", Kind: KindFile, Uid: 1, Gid: 1, Time: 100, Size: 10}
		assert.True(t, base.Equal(other))
	})

	t.Run("mode difference is ignored", func(t *testing.T) {
		other := &Record{Filename: "f", Kind: KindFile, Uid: 1, Gid: 1, Time: 100, Size: 10, Mode: 0777}
		assert.True(t, base.Equal(other))
	})

	t.Run("size difference matters for files", func(t *testing.T) {
		other := &Record{Filename: "f", Kind: KindFile, Uid: 1, Gid: 1, Time: 100, Size: 11}
		assert.False(t, base.Equal(other))
	})

	t.Run("time is ignored for non-file kinds", func(t *testing.T) {
		dirA := &Record{Filename: "d", Kind: KindDir, Uid: 1, Gid: 1, Time: 100}
		dirB := &Record{Filename: "d", Kind: KindDir, Uid: 1, Gid: 1, Time: 200}
		assert.True(t, dirA.Equal(dirB))
	})

	t.Run("kind difference breaks equality", func(t *testing.T) {
		dir := &Record{Filename: "f", Kind: KindDir, Uid: 1, Gid: 1}
		assert.False(t, base.Equal(dir))
	})
}

func TestWalkCreateFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	w := NewWalk(root)
	defer w.Close()

	info := &Record{Filename: "nested/dir/file.txt", Mode: 0644, Kind: KindFile, Size: 13, Time: 1700000000}
	require.NoError(t, w.Create(&Record{Filename: "nested", Mode: 0755, Kind: KindDir}))
	require.NoError(t, w.Create(&Record{Filename: "nested/dir", Mode: 0755, Kind: KindDir}))
	require.NoError(t, w.Create(info))
	require.NoError(t, w.CreateFile(info, strings.NewReader("hello, world!")))

	data, err := os.ReadFile(root + "/nested/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, world!", string(data))
}

func TestWalkCreateSymlink(t *testing.T) {
	root := t.TempDir()
	w := NewWalk(root)
	defer w.Close()

	info := &Record{Filename: "link", Mode: 0777, Kind: KindSymlink, Linkname: "target"}
	require.NoError(t, w.Create(info))

	target, err := os.Readlink(root + "/link")
	require.NoError(t, err)
	assert.Equal(t, "target", target)
}
