package bgzf

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildFixture(t *testing.T, data []byte, blockSize int) (*Reader, []byte) {
	t.Helper()
	var compressed bytes.Buffer
	w := NewWriter(&compressed)
	w.uncompressedSize = blockSize
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var gziBuf bytes.Buffer
	require.NoError(t, w.WriteGZI(&gziBuf))

	gzi, err := ReadGZI(bytes.NewReader(gziBuf.Bytes()))
	require.NoError(t, err)
	return NewReader(bytes.NewReader(compressed.Bytes()), gzi), data
}

func TestReadRangeWholeAndPartial(t *testing.T) {
	data := make([]byte, 500000)
	rnd := rand.New(rand.NewSource(1))
	rnd.Read(data)

	r, want := buildFixture(t, data, 65280)

	total, err := r.TotalUncompressedLength()
	require.NoError(t, err)
	require.EqualValues(t, len(want), total)

	cases := []struct{ begin, end uint64 }{
		{0, 0},
		{0, 60},
		{0, uint64(len(want))},
		{65279, 65281}, // straddles a block boundary
		{200000, 200060},
		{uint64(len(want)) - 10, uint64(len(want))},
	}
	for _, c := range cases {
		got, err := r.ReadRange(c.begin, c.end)
		require.NoError(t, err)
		require.Equal(t, want[c.begin:c.end], got)
		require.Len(t, got, int(c.end-c.begin))
	}
}

func TestReadRangeOutOfBounds(t *testing.T) {
	data := []byte("hello world")
	r, _ := buildFixture(t, data, DefaultUncompressedBlockSize)
	_, err := r.ReadRange(0, uint64(len(data)+1))
	require.Error(t, err)
}

func TestReadRangeSmallBlocks(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, many times over")
	r, want := buildFixture(t, data, 7)
	got, err := r.ReadRange(3, uint64(len(data)-2))
	require.NoError(t, err)
	require.Equal(t, want[3:len(data)-2], got)
}
