package ringbuffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/bpf-pipeline/internal/bpf"
)

func TestTrimPaddingPerfSample(t *testing.T) {
	record := bpf.Encode(bpf.Event{Pid: 4242, Comm: "rm", Filename: "/tmp/x"})
	require.Len(t, record, bpf.RecordSize)

	// 288 bytes plus the 4-byte perf size header rounds up to 296, so the
	// kernel hands out 292 bytes of sample.
	padded := append(append([]byte(nil), record...), 0xde, 0xad, 0xbe, 0xef)
	src := trimPadding(NewMemory(padded), bpf.RecordSize)

	rec, err := src.Read()
	require.NoError(t, err)
	assert.Len(t, rec.RawSample, bpf.RecordSize)

	ev, err := bpf.Decode(rec.RawSample)
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), ev.Pid)
	assert.Equal(t, "/tmp/x", ev.Filename)
}

func TestTrimPaddingLengths(t *testing.T) {
	const size = 16
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"exact", size, size},
		{"one byte of padding", size + 1, size},
		{"seven bytes of padding", size + 7, size},
		{"too long to be padding", size + 8, size + 8},
		{"short", size - 1, size - 1},
		{"empty", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := trimPadding(NewMemory(bytes.Repeat([]byte{1}, tt.in)), size)
			rec, err := src.Read()
			require.NoError(t, err)
			assert.Len(t, rec.RawSample, tt.want)
		})
	}
}

func TestTrimPaddingKeepsLostSamples(t *testing.T) {
	m := NewMemory()
	m.PushRecord(Record{LostSamples: 3})
	src := trimPadding(m, 16)

	rec, err := src.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.LostSamples)
	assert.Empty(t, rec.RawSample)

	require.NoError(t, src.Close())
	assert.True(t, m.Closed())
}

func TestTrimPaddingDisabled(t *testing.T) {
	m := NewMemory()
	assert.Same(t, Source(m), trimPadding(m, 0))
}
