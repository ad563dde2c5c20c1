package vectorsearch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHNSWLayerZeroUsesDoubleDegree(t *testing.T) {
	x := newHNSWIndex(testDim, Params{M: 4, EfConstruction: 40, EfSearch: 16}.withDefaults())
	require.NoError(t, x.add(clustered(200, testDim, 31)))

	g := x.Graph
	require.Equal(t, 8, g.M0)
	last := g.Links[len(g.Links)-1]
	assert.Len(t, last[0], g.M0, "a new node links to M0 neighbours on layer 0")
	for l := 1; l < len(last); l++ {
		assert.LessOrEqual(t, len(last[l]), g.M)
	}
	for _, levels := range g.Links {
		assert.LessOrEqual(t, len(levels[0]), g.M0)
		for l := 1; l < len(levels); l++ {
			assert.LessOrEqual(t, len(levels[l]), g.M)
		}
	}
}
