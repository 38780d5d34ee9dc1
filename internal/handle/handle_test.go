package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvalid_IsNotValid(t *testing.T) {
	assert.False(t, Invalid.Valid())
}

func TestBump_ProducesValidAndMatchingHandle(t *testing.T) {
	g := NewGeneration(3)
	h := g.Bump()
	assert.True(t, h.Valid())
	assert.Equal(t, 3, h.Index)
	assert.True(t, g.Matches(h))
	assert.Equal(t, h, g.Current())
}

func TestBump_InvalidatesPriorHandle(t *testing.T) {
	g := NewGeneration(0)
	old := g.Bump()
	next := g.Bump()

	assert.False(t, g.Matches(old))
	assert.True(t, g.Matches(next))
	assert.NotEqual(t, old.Gen, next.Gen)
}
