package pmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pmemkit/engine"
)

func TestSizeClassTable_ClassOf(t *testing.T) {
	for _, cfg := range []SizeClassConfig{ConfigFine, ConfigCoarse} {
		t.Run(cfg.Name, func(t *testing.T) {
			table := newSizeClassTable(cfg)
			require.Positive(t, table.numClasses)

			assert.Equal(t, 0, table.classOf(cfg.SmallMin))
			assert.Equal(t, table.numClasses, table.classOf(cfg.MediumMax*4), "oversized blocks go to the large list")

			prev := -1
			for size := cfg.SmallMin; size <= cfg.MediumMax; size += 16 {
				c := table.classOf(size)
				if c < prev {
					t.Fatalf("classOf(%d) = %d, went backwards from %d", size, c, prev)
				}
				prev = c
			}
		})
	}

	fine := newSizeClassTable(ConfigFine)
	coarse := newSizeClassTable(ConfigCoarse)
	assert.Greater(t, fine.numClasses, coarse.numClasses)
}

func TestPool_CoarseClassesReuseFreedBlocks(t *testing.T) {
	p := NewVolatile(Options{Size: 1 << 20, SizeClasses: ConfigCoarse})
	defer p.Close()

	var freed []engine.Handle
	for range 8 {
		h, err := p.Allocate(100)
		require.NoError(t, err)
		freed = append(freed, h)
	}
	used := p.Stats().Used
	for _, h := range freed {
		require.NoError(t, p.Free(h))
	}
	require.Equal(t, 8, p.Stats().FreeBlocks)

	for range 8 {
		h, err := p.Allocate(100)
		require.NoError(t, err)
		assert.Contains(t, freed, h, "allocation should come from the free lists")
	}
	assert.Zero(t, p.Stats().FreeBlocks)
	assert.Equal(t, used, p.Stats().Used)
}
