package imaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestIndexReversesChannelAndRow(t *testing.T) {
	l := Layout{Width: 4, Height: 2, Components: 3}

	assert.Equal(t, 2*8+1*4+0, l.DestIndex(0, 0, 0), "first component of first scanline goes to last channel, last row")
	assert.Equal(t, 3, l.DestIndex(2, 1, 3), "last component of last scanline goes to channel 0, row 0")
	assert.Equal(t, 8+4+2, l.DestIndex(1, 0, 2))
}

func TestDestIndexCoversEverySlotOnce(t *testing.T) {
	l := Layout{Width: 5, Height: 3, Components: 4}
	seen := make(map[int]bool, l.Count())
	for comp := 0; comp < l.Components; comp++ {
		for line := 0; line < l.Height; line++ {
			for col := 0; col < l.Width; col++ {
				idx := l.DestIndex(comp, line, col)
				assert.False(t, seen[idx], "index %d written twice", idx)
				assert.GreaterOrEqual(t, idx, 0)
				assert.Less(t, idx, l.Count())
				seen[idx] = true
			}
		}
	}
	assert.Len(t, seen, l.Count())
}

func TestSourceOffsetIsInterleaved(t *testing.T) {
	l := Layout{Width: 4, Height: 2, Components: 3}

	assert.Equal(t, 0, l.SourceOffset(0, 0))
	assert.Equal(t, 7, l.SourceOffset(2, 1))
	assert.Equal(t, 11, l.SourceOffset(3, 2))
	assert.Equal(t, 12, l.ScanlineLen())
}

func TestSingleComponentLayoutOnlyFlipsRows(t *testing.T) {
	l := Layout{Width: 3, Height: 3, Components: 1}

	assert.Equal(t, 6, l.DestIndex(0, 0, 0))
	assert.Equal(t, 2, l.DestIndex(0, 2, 2))
}
