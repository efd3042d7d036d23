package storage

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressReader_ReportsCumulativeBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 10)
	var calls [][2]int64
	r := &progressReader{
		r:     bytes.NewReader(payload),
		total: int64(len(payload)),
		onProgress: func(loaded, total int64) {
			calls = append(calls, [2]int64{loaded, total})
		},
	}

	buf := make([]byte, 4)
	var out []byte
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, payload, out)
	require.Len(t, calls, 3)
	assert.Equal(t, [2]int64{4, 10}, calls[0])
	assert.Equal(t, [2]int64{10, 10}, calls[2])
}
