package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_UniqueIDs(t *testing.T) {
	g, err := New(7, "2024-01-01")
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNew_InvalidStartDate(t *testing.T) {
	_, err := New(1, "01/01/2024")
	assert.Error(t, err)
}
