package dirty

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Tracker_Add_SpanningWriteTouchesTwoLines(t *testing.T) {
	tr := NewTracker()
	tr.Add(60, 10)

	assert.Equal(t, []Range{{Off: 0, Len: 64}, {Off: 64, Len: 64}}, tr.Lines())
	assert.Equal(t, []Range{{Off: 0, Len: 128}}, tr.Pending())
}

func Test_Tracker_Add_ReportsEpochStart(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.Add(0, 1), "first write starts an epoch")
	assert.False(t, tr.Add(8, 1), "second write does not")
	assert.False(t, tr.Add(8, 0), "empty write is ignored")

	require.NoError(t, tr.Flush(func(int64, int64) error { return nil }))
	assert.True(t, tr.Empty())
	assert.True(t, tr.Add(200, 1), "write after flush starts a new epoch")
}

func Test_Tracker_Flush_CoalescesFully(t *testing.T) {
	tr := NewTracker()
	tr.Add(300, 4) // line 256
	tr.Add(0, 8)   // line 0
	tr.Add(70, 60) // lines 64, 128 (ends at 130)
	tr.Add(10, 2)  // line 0 again
	tr.Add(512, 64)

	var flushed []Range
	require.NoError(t, tr.Flush(func(off, n int64) error {
		flushed = append(flushed, Range{Off: off, Len: n})
		return nil
	}))
	assert.Equal(t, []Range{
		{Off: 0, Len: 192},
		{Off: 256, Len: 64},
		{Off: 512, Len: 64},
	}, flushed)
	assert.True(t, tr.Empty())
}

func Test_Tracker_Flush_ErrorKeepsPending(t *testing.T) {
	tr := NewTracker()
	tr.Add(0, 1)
	boom := errors.New("boom")

	err := tr.Flush(func(int64, int64) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, tr.Empty())

	tr.Reset()
	assert.True(t, tr.Empty())
	assert.Nil(t, tr.Pending())
}
