package pipe

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/isptar/pkg/record"
)

func TestClientServerInfoAndDataRoundTrip(t *testing.T) {
	var toServer, toClient bytes.Buffer
	client := NewClientSender(&toServer, &toClient)

	info := &record.Record{Filename: "a/file.txt", Mode: 0644, Kind: record.KindFile, Size: 5}

	require.NoError(t, WriteResponse(&toClient, true))

	save, err := client.SendInfo(info)
	require.NoError(t, err)
	assert.True(t, save)

	require.NoError(t, client.SendData(strings.NewReader("hello")))
	require.NoError(t, client.Finish())

	gotInfo, ok, err := ReadInfo(&toServer)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a/file.txt", gotInfo.Filename)
	assert.Equal(t, int64(5), gotInfo.Size)

	chunks := NewChunkReader(&toServer)
	data, err := io.ReadAll(io.LimitReader(chunks, 5))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, chunks.DrainTerminator())

	_, ok, err = ReadInfo(&toServer)
	require.NoError(t, err)
	assert.False(t, ok, "expected end-of-stream marker from Finish")
}

func TestReadInfoReturnsFalseAtEndOfStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&ClientSender{w: &buf}).Finish())
	_, ok, err := ReadInfo(&buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunkReaderDrainTerminatorRejectsNonEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeInt16(&buf, 3))
	buf.WriteString("abc")

	chunks := NewChunkReader(&buf)
	err := chunks.DrainTerminator()
	assert.Error(t, err)
}

func TestClientSenderRejectsOverlongInfoLine(t *testing.T) {
	var buf bytes.Buffer
	client := NewClientSender(&buf, nil)
	info := &record.Record{Filename: strings.Repeat("x", 0x8000), Kind: record.KindFile}
	_, err := client.SendInfo(info)
	assert.Error(t, err)
}
