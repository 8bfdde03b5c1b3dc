package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkReader struct {
	data  []byte
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}

	n := min(c.chunk, len(p), len(c.data))
	copy(p, c.data[:n])
	c.data = c.data[n:]

	return n, nil
}

func TestReader_ReportsPercentSteps(t *testing.T) {
	var reports []int64

	src := &chunkReader{data: bytes.Repeat([]byte{'x'}, 100), chunk: 5}
	pr := NewReader(src, 0, 100, 10, 0, func(read, _ int64) {
		reports = append(reports, read)
	})

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	assert.Equal(t, int64(100), n)
	assert.Equal(t, []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, reports)
	assert.InDelta(t, 100, pr.Percent(), 0.001)
}

func TestReader_ResumeOffset(t *testing.T) {
	var reports []int64

	src := &chunkReader{data: bytes.Repeat([]byte{'x'}, 50), chunk: 25}
	pr := NewReader(src, 50, 100, 10, 0, func(read, _ int64) {
		reports = append(reports, read)
	})

	assert.InDelta(t, 50, pr.Percent(), 0.001)

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	assert.Equal(t, []int64{75, 100}, reports)
	assert.Equal(t, int64(100), pr.BytesRead())
}

func TestReader_UnknownTotalUsesInterval(t *testing.T) {
	var reports []int64

	src := &chunkReader{data: bytes.Repeat([]byte{'x'}, 30), chunk: 10}
	pr := NewReader(src, 0, -1, 1, 20, func(read, total int64) {
		assert.Equal(t, int64(-1), total)
		reports = append(reports, read)
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	assert.Equal(t, []int64{20}, reports)
	assert.Zero(t, pr.Percent())
}
