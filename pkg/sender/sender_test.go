package sender

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/isptar/pkg/catalog"
	"github.com/beam-cloud/isptar/pkg/record"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

func buildArchive(t *testing.T, path string, entries []*record.Record, data map[string]string, source *catalog.Reader, reference bool) {
	t.Helper()
	out, err := slicedio.NewWriter(path, 1<<30, nil)
	require.NoError(t, err)
	s, err := New(out, "")
	require.NoError(t, err)
	if source != nil {
		s.SetSource(source, reference)
	}
	for _, e := range entries {
		save, err := s.SendInfo(e)
		require.NoError(t, err)
		if save {
			require.NoError(t, s.SendData(strings.NewReader(data[e.Filename])))
		}
	}
	require.NoError(t, s.WriteFooter(""))
	require.NoError(t, out.Finish())
}

func TestSendInfoSendDataRoundTripThroughCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.isp")

	entries := []*record.Record{
		{Filename: "dir", Mode: 0755, Kind: record.KindDir},
		{Filename: "dir/file.txt", Mode: 0644, Kind: record.KindFile, Size: 11},
	}
	data := map[string]string{"dir/file.txt": "hello world"}
	buildArchive(t, path, entries, data, nil, false)

	r, err := catalog.Open(path, "", nil)
	require.NoError(t, err)
	defer r.Close()

	var seen []string
	for {
		ok, err := r.Read()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, r.Info().Filename)
		if r.Info().Filename == "dir/file.txt" {
			rd, err := r.Data()
			require.NoError(t, err)
			got, err := io.ReadAll(rd)
			require.NoError(t, err)
			assert.Equal(t, "hello world", string(got))
		}
	}
	assert.Equal(t, []string{"dir", "dir/file.txt"}, seen)
}

func TestSendInfoSkipsUnchangedFileAgainstBase(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.isp")
	incPath := filepath.Join(dir, "inc.isp")

	entries := []*record.Record{
		{Filename: "file.txt", Mode: 0644, Kind: record.KindFile, Size: 5, Time: 1000},
	}
	buildArchive(t, basePath, entries, map[string]string{"file.txt": "aaaaa"}, nil, false)

	base, err := catalog.Open(basePath, "", nil)
	require.NoError(t, err)
	defer base.Close()

	out, err := slicedio.NewWriter(incPath, 1<<30, nil)
	require.NoError(t, err)
	s, err := New(out, "")
	require.NoError(t, err)
	s.SetSource(base, true)

	unchanged := &record.Record{Filename: "file.txt", Mode: 0644, Kind: record.KindFile, Size: 5, Time: 1000}
	save, err := s.SendInfo(unchanged)
	require.NoError(t, err)
	assert.False(t, save, "unchanged entry referenced against base should not need fresh data")

	require.NoError(t, s.WriteFooter(""))
	require.NoError(t, out.Finish())
}

func TestMergeAndSplitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	aPath := "a.isp"
	bPath := "b.isp"
	mergedPath := "merged.isp"

	buildArchive(t, aPath,
		[]*record.Record{{Filename: "one.txt", Mode: 0644, Kind: record.KindFile, Size: 3}},
		map[string]string{"one.txt": "111"}, nil, false)
	buildArchive(t, bPath,
		[]*record.Record{{Filename: "two.txt", Mode: 0644, Kind: record.KindFile, Size: 3}},
		map[string]string{"two.txt": "222"}, nil, false)

	mergedOut, err := slicedio.NewWriter(mergedPath, 1<<30, nil)
	require.NoError(t, err)
	mergedSender, err := New(mergedOut, "")
	require.NoError(t, err)

	require.NoError(t, Merge(mergedSender, [][]string{{aPath}, {bPath}}, nil))
	require.NoError(t, mergedOut.Finish())

	mergedReader, err := catalog.Open(mergedPath, "", nil)
	require.NoError(t, err)
	defer mergedReader.Close()

	outPrefix := "split-"
	var created []*slicedio.Writer
	newSender := func(name string) (*TarSender, error) {
		w, err := slicedio.NewWriter(name, 1<<30, nil)
		if err != nil {
			return nil, err
		}
		created = append(created, w)
		return New(w, "")
	}
	require.NoError(t, Split(outPrefix, false, newSender, mergedReader))
	for _, w := range created {
		require.NoError(t, w.Finish())
	}
	assert.Len(t, created, 2)

	first, err := catalog.Open(outPrefix+aPath, "", nil)
	require.NoError(t, err)
	defer first.Close()
	ok, err := first.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one.txt", first.Info().Filename)
	ok, err = first.Read()
	require.NoError(t, err)
	assert.False(t, ok, "a.isp's split output should not carry b.isp's entries")

	second, err := catalog.Open(outPrefix+bPath, "", nil)
	require.NoError(t, err)
	defer second.Close()
	ok, err = second.Read()
	require.NoError(t, err)
	require.True(t, ok, "b.isp's entry must survive the merge/split round trip")
	assert.Equal(t, "two.txt", second.Info().Filename)
	data, err := second.Data()
	require.NoError(t, err)
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Equal(t, "222", string(got))
}

func TestPartMarkerRoundTrip(t *testing.T) {
	m := partMarker(3, "/backups/full.isp")
	assert.Equal(t, "@partname.3", m.Filename)
	assert.Equal(t, "./backups/full.isp", m.Linkname)
	assert.Equal(t, "/backups/full.isp", partName(m.Linkname))
}

func TestSplitFields(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitFields("a b c", ' '))
	assert.Nil(t, splitFields("", ' '))
	assert.Equal(t, []string{"only"}, splitFields("only", ' '))
}
