package forensics

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUSetAddAndContains(t *testing.T) {
	s := NewLRUSet(10)

	assert.False(t, s.Contains("a"))
	s.Add("a")
	assert.True(t, s.Contains("a"))
	assert.Equal(t, 1, s.Len())
}

func TestLRUSetEvictsOldest(t *testing.T) {
	s := NewLRUSet(3)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	s.Add("d")

	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))
	assert.True(t, s.Contains("d"))
}

func TestLRUSetContainsRefreshesRecency(t *testing.T) {
	s := NewLRUSet(3)
	s.Add("a")
	s.Add("b")
	s.Add("c")

	// Touching "a" makes "b" the eviction candidate.
	assert.True(t, s.Contains("a"))
	s.Add("d")

	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))
}

func TestLRUSetNeverExceedsCapacity(t *testing.T) {
	const capacity = 50
	s := NewLRUSet(capacity)
	for i := 0; i < 10*capacity; i++ {
		s.Add(fmt.Sprintf("key-%d", i))
		assert.LessOrEqual(t, s.Len(), capacity)
	}
	assert.Equal(t, capacity, s.Len())
}
