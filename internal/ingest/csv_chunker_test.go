package ingest

import (
	"bufio"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLineSplitterHandlesQuotedNewlines(t *testing.T) {
	splitter := NewDefaultLineSplitter()
	r := bufio.NewReader(strings.NewReader("a,\"b\nc\",d\ne,f,g\n"))

	line1, n1, err := splitter.ConsumeLine(r)
	require.NoError(t, err)
	assert.Equal(t, `a,"b`+"\n"+`c",d`, line1)
	assert.EqualValues(t, len(line1)+1, n1)

	line2, _, err := splitter.ConsumeLine(r)
	require.NoError(t, err)
	assert.Equal(t, "e,f,g", line2)

	_, n3, err := splitter.ConsumeLine(r)
	assert.Equal(t, int64(0), n3)
	require.Error(t, err)
}

// TestCSVFileReaderChunksCoverEveryDataLineExactlyOnce exercises P8: the
// union of line ranges covered by the chunker's chunks must equal every
// data line after skip_rows and header, with no line covered twice.
func TestCSVFileReaderChunksCoverEveryDataLineExactlyOnce(t *testing.T) {
	var body strings.Builder
	body.WriteString("h\n")
	var want []string
	for i := 0; i < 40; i++ {
		line := fmt.Sprintf("row%02d,value%02d", i, i)
		want = append(want, line)
		body.WriteString(line + "\n")
	}
	path := writeTempFile(t, body.String())

	settings := Settings{Header: true, BytesPerRequest: 10, FileBufferSize: 4096}.WithDefaults()
	settings.BytesPerRequest = 10

	reader, err := NewCSVFileReader(path, settings, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, "h", reader.HeaderRow())
	assert.Greater(t, reader.SplitCount(), 1, "a small bytes_per_request should force multiple chunks")

	var got []string
	for i := 0; i < reader.SplitCount(); i++ {
		chunk := reader.Chunk(i)
		for {
			var line string
			if !chunk.ConsumeLine(&line) {
				break
			}
			got = append(got, line)
		}
		require.NoError(t, chunk.Close())
	}

	assert.Equal(t, want, got, "chunk coverage must equal every data line, in order, with no duplicates or gaps")
}

func TestCSVFileReaderSkipRows(t *testing.T) {
	path := writeTempFile(t, "h\nskip1\nskip2\nreal1\nreal2\n")

	settings := Settings{Header: true, SkipRows: 2, BytesPerRequest: 1 << 20, FileBufferSize: 4096}.WithDefaults()
	reader, err := NewCSVFileReader(path, settings, 4, nil)
	require.NoError(t, err)
	require.Equal(t, 1, reader.SplitCount(), "a large bytes_per_request should collapse to a single chunk")

	chunk := reader.Chunk(0)
	var lines []string
	for {
		var line string
		if !chunk.ConsumeLine(&line) {
			break
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"real1", "real2"}, lines)
}

func TestCSVFileReaderEmptyRemainderYieldsOneEmptyChunk(t *testing.T) {
	// A regular file holding only its header line leaves nothing after the
	// header, so the chunker must produce exactly one chunk that yields no
	// lines.
	path := writeTempFile(t, "h\n")

	settings := Settings{Header: true, BytesPerRequest: 1 << 20, FileBufferSize: 4096}.WithDefaults()
	reader, err := NewCSVFileReader(path, settings, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.SplitCount(), "an empty remainder must still yield a single (empty) chunk")

	var line string
	assert.False(t, reader.Chunk(0).ConsumeLine(&line))
}
