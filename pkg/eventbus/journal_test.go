package eventbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestJournalEvictsOldestFirst(t *testing.T) {
	j := newJournal(3)
	for i := range 3 {
		assert.False(t, j.add(fmt.Sprint(i)))
	}
	assert.True(t, j.add("3"))

	assert.False(t, j.contains("0"))
	for _, id := range []string{"1", "2", "3"} {
		assert.True(t, j.contains(id), id)
	}
	assert.Equal(t, 3, j.len())
}

func TestJournalKeepsLastCapacityIDs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(t, "capacity")
		n := rapid.IntRange(0, 100).Draw(t, "n")

		j := newJournal(capacity)
		for i := range n {
			j.add(fmt.Sprint(i))
		}

		want := min(n, capacity)
		if j.len() != want {
			t.Fatalf("len = %d, want %d", j.len(), want)
		}
		for i := range n {
			kept := i >= n-capacity
			if j.contains(fmt.Sprint(i)) != kept {
				t.Fatalf("id %d: contains = %v, want %v", i, !kept, kept)
			}
		}
	})
}
