package agents

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupReportsDuplicates(t *testing.T) {
	d := NewDedup(4)
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.True(t, d.Seen("a"))
}

func TestDedupEvictsOldestWhenFull(t *testing.T) {
	d := NewDedup(2)
	assert.False(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.True(t, d.Seen("a"))

	// "c" evicts "a", the oldest entry.
	assert.False(t, d.Seen("c"))
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("c"))
}

func TestDedupMembershipStaysBounded(t *testing.T) {
	d := NewDedup(16)
	for i := 0; i < 10_000; i++ {
		d.Seen(fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, 16, d.Len())
}
