package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue(t *testing.T) {
	q := NewQueue[int]()

	_, ok := q.Pop()
	assert.False(t, ok)

	q.Push(1, 2)
	q.Push(3)
	q.Push()
	assert.Equal(t, 3, q.Len())

	select {
	case <-q.Notify():
	default:
		t.Fatal("push did not notify")
	}

	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, q.Drain())
	assert.Zero(t, q.Len())
}
