package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	Path string
	Seq  int
}

func TestQueue_New(t *testing.T) {
	q := New[write]()
	require.NotNil(t, q)
	assert.True(t, q.Empty())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PushPop(t *testing.T) {
	q := New[write]()

	_, ok := q.Pop()
	assert.False(t, ok)

	q.Push(write{"ranking/A", 1}, write{"ranking/B", 2})
	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_PushNothing(t *testing.T) {
	q := New[write]()
	q.Push()

	select {
	case <-q.Ready():
		t.Fatal("empty push must not wake the consumer")
	default:
	}
}

func TestQueue_ReadyCoalesces(t *testing.T) {
	q := New[write]()
	q.Push(write{Seq: 1})
	q.Push(write{Seq: 2})

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected wakeup")
	}
	assert.Len(t, drain(q), 2)

	select {
	case <-q.Ready():
		t.Fatal("second push should have coalesced")
	default:
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New[write]()
	q.Push(write{Seq: 1}, write{Seq: 2}, write{Seq: 3})
	assert.Equal(t, 3, q.Clear())
	assert.True(t, q.Empty())
}

func TestQueue_ConcurrentOrderPerProducer(t *testing.T) {
	q := New[write]()
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				q.Push(write{Path: string(rune('A' + p)), Seq: i})
			}
		}()
	}
	wg.Wait()

	items := drain(q)
	require.Len(t, items, producers*perProducer)

	last := map[string]int{}
	for _, it := range items {
		prev, seen := last[it.Path]
		if seen {
			assert.Greater(t, it.Seq, prev)
		}
		last[it.Path] = it.Seq
	}
	assert.True(t, q.Empty())
}

func drain[T any](q *Queue[T]) []T {
	var out []T
	for {
		it, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, it)
	}
}
