package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/milightd/internal/queue"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestOrdered_AddIsUnique(t *testing.T) {
	q := queue.NewOrdered[string, int]()

	assert.True(t, q.Add("a", t0, 1))
	assert.True(t, q.Add("b", t0, 2))
	assert.False(t, q.Add("a", t0.Add(time.Second), 3))

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"a", "b"}, q.Keys())

	item, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, item.Value, "duplicate add must not replace the payload")
	assert.Equal(t, t0, item.At)
}

func TestOrdered_PopIsFIFO(t *testing.T) {
	q := queue.NewOrdered[int, struct{}]()
	for i := 0; i < 5; i++ {
		q.Add(i, t0, struct{}{})
	}

	for want := 0; want < 5; want++ {
		item, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, item.Key)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestOrdered_UpsertRefreshesAndMovesToBack(t *testing.T) {
	q := queue.NewOrdered[string, bool]()
	or := func(old, new bool) bool { return old || new }

	assert.False(t, q.Upsert("a", t0, true, or))
	assert.False(t, q.Upsert("b", t0, false, or))
	assert.True(t, q.Upsert("a", t0.Add(2*time.Second), false, or))

	assert.Equal(t, []string{"b", "a"}, q.Keys())

	item, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Second), item.At)
	assert.True(t, item.Value, "merge keeps the earlier flag")

	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, "b", front.Key)
}

func TestOrdered_Remove(t *testing.T) {
	q := queue.NewOrdered[string, int]()
	q.Add("a", t0, 0)
	q.Add("b", t0, 0)

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.False(t, q.Contains("a"))
	assert.True(t, q.Contains("b"))
	assert.Equal(t, 1, q.Len())
}
