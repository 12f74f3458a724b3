package spawnq

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, perTick int) (*Queue[string], *[]string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	q := New[string](perTick, log.New(&buf, "", 0))
	var got []string
	for _, typ := range []string{"wolf", "deer", "worker"} {
		q.RegisterSpawnCallback(typ, func(typ, p string) error {
			got = append(got, typ+":"+p)
			return nil
		})
	}
	q.SetPriority("wolf", 30)
	q.SetPriority("worker", 20)
	q.SetPriority("deer", 10)
	return q, &got, &buf
}

func drain(q *Queue[string]) {
	for q.Len() > 0 {
		q.ProcessOneTick()
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q, got, _ := newQueue(t, 1)
	q.Enqueue("deer", "d1", "d1")
	q.Enqueue("wolf", "w1", "w1")
	q.Enqueue("deer", "d2", "d2")
	q.Enqueue("worker", "k1", "k1")
	q.Enqueue("wolf", "w2", "w2")
	drain(q)
	require.Equal(t, []string{"wolf:w1", "wolf:w2", "worker:k1", "deer:d1", "deer:d2"}, *got)
}

func TestQueue_SetPriorityReordersQueued(t *testing.T) {
	q, got, _ := newQueue(t, 1)
	q.Enqueue("deer", "d1", "d1")
	q.Enqueue("wolf", "w1", "w1")
	q.Enqueue("deer", "d2", "d2")
	q.Enqueue("worker", "k1", "k1")

	q.SetPriority("deer", 40)
	q.Enqueue("deer", "d3", "d3")
	q.Enqueue("wolf", "w2", "w2")
	drain(q)
	require.Equal(t, []string{"deer:d1", "deer:d2", "deer:d3", "wolf:w1", "wolf:w2", "worker:k1"}, *got)
}

func TestQueue_Dedupe(t *testing.T) {
	q, got, _ := newQueue(t, 1)
	require.True(t, q.Enqueue("deer", "a", "s1"))
	require.False(t, q.Enqueue("deer", "b", "s1"))
	require.True(t, q.Enqueue("wolf", "c", "s1"), "keys are scoped per type")
	drain(q)
	require.Equal(t, []string{"wolf:c", "deer:a"}, *got)

	require.True(t, q.Enqueue("deer", "again", "s1"), "processed keys may be queued again")
}

func TestQueue_BudgetPerTick(t *testing.T) {
	q, got, _ := newQueue(t, 2)
	for _, k := range []string{"1", "2", "3", "4", "5"} {
		q.Enqueue("deer", k, k)
	}
	require.Equal(t, 2, q.ProcessOneTick())
	require.Len(t, *got, 2)
	require.Equal(t, 3, q.Len())
}

func TestQueue_CallbackFailuresDoNotBlock(t *testing.T) {
	var buf bytes.Buffer
	q := New[int](1, log.New(&buf, "", 0))
	var ran []int
	q.RegisterSpawnCallback("x", func(_ string, p int) error {
		ran = append(ran, p)
		switch p {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return nil
	})
	q.Enqueue("x", 1, "1")
	q.Enqueue("x", 2, "2")
	q.Enqueue("x", 3, "3")
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, q.ProcessOneTick())
	}
	assert.Equal(t, []int{1, 2, 3}, ran)
	processed, failed := q.Stats()
	assert.Equal(t, uint64(1), processed)
	assert.Equal(t, uint64(2), failed)
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestQueue_Cancel(t *testing.T) {
	q, got, _ := newQueue(t, 1)
	q.Enqueue("deer", "a", "a")
	q.Enqueue("deer", "b", "b")
	require.True(t, q.Cancel("deer", "a"))
	require.False(t, q.Cancel("deer", "a"))
	require.False(t, q.Queued("deer", "a"))
	drain(q)
	require.Equal(t, []string{"deer:b"}, *got)
}

func TestQueue_CancelWhere(t *testing.T) {
	q, got, _ := newQueue(t, 1)
	q.Enqueue("deer", "r1", "a")
	q.Enqueue("wolf", "r2", "b")
	q.Enqueue("deer", "r1", "c")
	n := q.CancelWhere(func(_, _ string, p string) bool { return p == "r1" })
	require.Equal(t, 2, n)
	require.Equal(t, 0, q.Pending("deer"))
	require.Equal(t, 1, q.Pending("wolf"))
	drain(q)
	require.Equal(t, []string{"wolf:r2"}, *got)
}

func TestQueue_MissingCallbackDropsEntry(t *testing.T) {
	q, _, buf := newQueue(t, 1)
	q.Enqueue("ghost", "g", "g")
	require.Equal(t, 0, q.ProcessOneTick())
	require.Equal(t, 0, q.Len())
	require.Contains(t, buf.String(), "no callback for ghost")
}
