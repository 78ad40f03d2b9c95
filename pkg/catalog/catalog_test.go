package catalog_test

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/isptar/pkg/catalog"
	"github.com/beam-cloud/isptar/pkg/record"
	"github.com/beam-cloud/isptar/pkg/sender"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

func writeArchive(t *testing.T, path string, entries []*record.Record, data map[string]string, source *catalog.Reader, reference bool) {
	t.Helper()
	out, err := slicedio.NewWriter(path, 1<<30, nil)
	require.NoError(t, err)
	s, err := sender.New(out, "")
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

func TestOpenReportsTrailerHeaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.isp")
	writeArchive(t, path, []*record.Record{
		{Filename: "f", Kind: record.KindFile, Size: 2},
	}, map[string]string{"f": "hi"}, nil, false)

	r, err := catalog.Open(path, "", nil)
	require.NoError(t, err)
	defer r.Close()

	assert.NotEmpty(t, r.Header("listing_size"))
	assert.Empty(t, r.Header("no_such_header"))
}

func TestAddBaseResolvesReferencedData(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.isp")
	incPath := filepath.Join(dir, "inc.isp")

	writeArchive(t, basePath, []*record.Record{
		{Filename: "f", Kind: record.KindFile, Size: 5, Time: 1},
	}, map[string]string{"f": "aaaaa"}, nil, false)

	base, err := catalog.Open(basePath, "", nil)
	require.NoError(t, err)
	defer base.Close()

	out, err := slicedio.NewWriter(incPath, 1<<30, nil)
	require.NoError(t, err)
	s, err := sender.New(out, "")
	require.NoError(t, err)
	s.SetSource(base, true)

	unchanged := &record.Record{Filename: "f", Kind: record.KindFile, Size: 5, Time: 1}
	save, err := s.SendInfo(unchanged)
	require.NoError(t, err)
	assert.False(t, save)
	require.NoError(t, s.WriteFooter(""))
	require.NoError(t, out.Finish())

	inc, err := catalog.Open(incPath, "", nil)
	require.NoError(t, err)
	require.NoError(t, inc.AddBase(basePath, nil))
	defer inc.Close()

	ok, err := inc.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f", inc.Info().Filename)

	rd, err := inc.Data()
	require.NoError(t, err)
	got, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "aaaaa", string(got))
}

func TestLocatorEmptyForNonFileEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.isp")
	writeArchive(t, path, []*record.Record{
		{Filename: "d", Kind: record.KindDir},
	}, nil, nil, false)

	r, err := catalog.Open(path, "", nil)
	require.NoError(t, err)
	defer r.Close()

	ok, err := r.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, r.Locator())
}
