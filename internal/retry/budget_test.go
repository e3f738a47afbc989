package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	assert.Equal(t, 2, b.Remaining())
	assert.False(t, b.Exhausted())

	assert.True(t, b.Take())
	assert.True(t, b.Take())
	assert.False(t, b.Take())
	assert.True(t, b.Exhausted())
	assert.Equal(t, 2, b.Used())
	assert.Equal(t, "0/2", b.String())

	b.Reset()
	assert.Equal(t, 2, b.Remaining())
}

func TestBudget_ZeroAndNegative(t *testing.T) {
	var zero Budget
	assert.False(t, zero.Take())

	neg := NewBudget(-3)
	assert.Equal(t, 0, neg.Remaining())
	assert.False(t, neg.Take())
}
