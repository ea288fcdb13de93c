package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	synchronous
	count int
}

func (h *countingHandler) Handle(task Task) error {
	h.count++
	task()
	return nil
}

func TestRoundRobin(t *testing.T) {
	handlers := []*countingHandler{{}, {}, {}}
	s := New(handlers[0], handlers[1], handlers[2])
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Dispatch(func() {}))
	}
	assert.Equal(t, 4, handlers[0].count)
	assert.Equal(t, 3, handlers[1].count)
	assert.Equal(t, 3, handlers[2].count)
}

func TestSynchronousByDefault(t *testing.T) {
	s := New()
	ran := false
	require.NoError(t, s.Dispatch(func() { ran = true }))
	assert.True(t, ran, "task should have run inline")
	assert.NoError(t, s.Close())
}

func TestSynchronousRepeatingRunsOnce(t *testing.T) {
	s := New()
	runs := 0
	stop, err := s.ScheduleRepeating(func() { runs++ }, time.Hour, time.Hour)
	assert.Equal(t, ErrNotRepeating, err)
	assert.Equal(t, 1, runs)
	stop()
}

func TestPool(t *testing.T) {
	h, err := Pool(2)
	require.NoError(t, err)
	s := New(h)
	defer s.Close()

	var wg sync.WaitGroup
	var count int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, s.Dispatch(func() {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 20, atomic.LoadInt32(&count))

	wg.Add(1)
	require.NoError(t, s.Dispatch(func() {
		defer wg.Done()
		panic("boom")
	}))
	wg.Wait()
}

func TestRepeating(t *testing.T) {
	for _, h := range []Handler{Goroutine(), mustPool(t)} {
		var runs int32
		stop, err := h.ScheduleRepeating(func() { atomic.AddInt32(&runs, 1) }, 0, 5*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
		stop()
		stop()
		time.Sleep(20 * time.Millisecond)
		stopped := atomic.LoadInt32(&runs)
		assert.True(t, stopped > 1, "task should have run repeatedly")
		time.Sleep(50 * time.Millisecond)
		assert.True(t, atomic.LoadInt32(&runs)-stopped <= 1, "task should stop repeating")
		h.Close()
	}
}

func mustPool(t *testing.T) Handler {
	h, err := Pool(1)
	require.NoError(t, err)
	return h
}
