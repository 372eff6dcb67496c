package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestSince_ZeroIsNever(t *testing.T) {
	c := NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	assert.True(t, Due(c, time.Time{}, time.Hour))

	last := c.Now()
	c.Advance(499 * time.Millisecond)
	assert.False(t, Due(c, last, 500*time.Millisecond))
	c.Advance(time.Millisecond)
	assert.True(t, Due(c, last, 500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, Since(c, last))
}
