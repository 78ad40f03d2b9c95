package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlphaSort(t *testing.T) {
	t.Run("directory sorts before its own children", func(t *testing.T) {
		assert.Negative(t, AlphaSort("foo", "foo/bar"))
		assert.Positive(t, AlphaSort("foo/bar", "foo"))
	})

	t.Run("slash outranks a lower byte value", func(t *testing.T) {
		assert.Negative(t, AlphaSort("foo/baz", "foo.bar"))
		assert.Positive(t, AlphaSort("foo.bar", "foo/baz"))
	})

	t.Run("plain lexical order when no slash involved", func(t *testing.T) {
		assert.Negative(t, AlphaSort("abc", "abd"))
		assert.Equal(t, 0, AlphaSort("same", "same"))
	})
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100", 100},
		{"1K", 1024},
		{"100M", 100 * 1024 * 1024},
		{"1G", 1024 * 1024 * 1024},
		{"1T", 1024 * 1024 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	t.Run("rejects empty and malformed input", func(t *testing.T) {
		_, err := ParseSize("")
		assert.Error(t, err)
		_, err = ParseSize("M")
		assert.Error(t, err)
		_, err = ParseSize("10X")
		assert.Error(t, err)
	})
}

func TestCheckName(t *testing.T) {
	t.Run("rejects path traversal", func(t *testing.T) {
		assert.False(t, CheckName(nil, "/etc/passwd"))
		assert.False(t, CheckName(nil, "../escape"))
		assert.False(t, CheckName(nil, "a/../../escape"))
	})

	t.Run("accepts everything when no args given", func(t *testing.T) {
		assert.True(t, CheckName(nil, "some/nested/file"))
	})

	t.Run("restricts to named subtrees", func(t *testing.T) {
		args := []string{"keep"}
		assert.True(t, CheckName(args, "keep"))
		assert.True(t, CheckName(args, "keep/nested"))
		assert.False(t, CheckName(args, "keeper"))
		assert.False(t, CheckName(args, "other"))
	})
}

func TestHasCompressedSuffix(t *testing.T) {
	suffixes := []string{".gz", ".zip"}
	assert.True(t, HasCompressedSuffix("archive.tar.gz", suffixes))
	assert.False(t, HasCompressedSuffix("plain.txt", suffixes))
}

func TestLoadExcludeCompression(t *testing.T) {
	t.Run("missing file yields empty list, not an error", func(t *testing.T) {
		got, err := LoadExcludeCompression(filepath.Join(t.TempDir(), "missing.conf"))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("collects exclude-compression lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "isptar.conf")
		content := "--exclude-compression .gz\nsome other directive\n--exclude-compression .zip\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		got, err := LoadExcludeCompression(path)
		require.NoError(t, err)
		assert.Equal(t, []string{".gz", ".zip"}, got)
	})
}
