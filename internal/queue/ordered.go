// Package queue implements the insertion-ordered, unique-keyed queue used by
// the state publisher and the command relay.
package queue

import (
	"container/list"
	"time"
)

// Item is one queued key with the time it was last (re)queued and an
// arbitrary payload.
type Item[K comparable, V any] struct {
	Key   K
	At    time.Time
	Value V
}

// Ordered is a FIFO in which every key appears at most once.
// It is not safe for concurrent use; the scheduler loop owns it.
type Ordered[K comparable, V any] struct {
	order *list.List
	index map[K]*list.Element
}

// NewOrdered creates an empty queue.
func NewOrdered[K comparable, V any]() *Ordered[K, V] {
	return &Ordered[K, V]{
		order: list.New(),
		index: make(map[K]*list.Element),
	}
}

// Add appends key if it is not already queued. It returns false, leaving
// the existing entry untouched, when the key is present.
func (q *Ordered[K, V]) Add(key K, at time.Time, value V) bool {
	if _, ok := q.index[key]; ok {
		return false
	}
	q.index[key] = q.order.PushBack(&Item[K, V]{Key: key, At: at, Value: value})
	return true
}

// Upsert queues key at the back with the given timestamp. An existing entry
// is moved to the back and its payload replaced by merge(old). It reports
// whether the key was already queued.
func (q *Ordered[K, V]) Upsert(key K, at time.Time, value V, merge func(old, new V) V) bool {
	el, ok := q.index[key]
	if !ok {
		q.index[key] = q.order.PushBack(&Item[K, V]{Key: key, At: at, Value: value})
		return false
	}

	item := el.Value.(*Item[K, V])
	item.At = at
	if merge != nil {
		item.Value = merge(item.Value, value)
	} else {
		item.Value = value
	}
	q.order.MoveToBack(el)
	return true
}

// Front returns the oldest entry without removing it.
func (q *Ordered[K, V]) Front() (Item[K, V], bool) {
	el := q.order.Front()
	if el == nil {
		return Item[K, V]{}, false
	}
	return *el.Value.(*Item[K, V]), true
}

// Pop removes and returns the oldest entry.
func (q *Ordered[K, V]) Pop() (Item[K, V], bool) {
	el := q.order.Front()
	if el == nil {
		return Item[K, V]{}, false
	}
	item := q.order.Remove(el).(*Item[K, V])
	delete(q.index, item.Key)
	return *item, true
}

// Remove drops key from the queue. It reports whether the key was present.
func (q *Ordered[K, V]) Remove(key K) bool {
	el, ok := q.index[key]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, key)
	return true
}

// Contains reports whether key is queued.
func (q *Ordered[K, V]) Contains(key K) bool {
	_, ok := q.index[key]
	return ok
}

// Get returns the queued entry for key.
func (q *Ordered[K, V]) Get(key K) (Item[K, V], bool) {
	el, ok := q.index[key]
	if !ok {
		return Item[K, V]{}, false
	}
	return *el.Value.(*Item[K, V]), true
}

// Len returns the number of queued keys.
func (q *Ordered[K, V]) Len() int {
	return q.order.Len()
}

// Keys returns the queued keys oldest first.
func (q *Ordered[K, V]) Keys() []K {
	keys := make([]K, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Item[K, V]).Key)
	}
	return keys
}
