package shard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetOrCreateCreatesOnce(t *testing.T) {
	m := New[*int](4)
	calls := 0
	create := func() *int { calls++; v := 7; return &v }

	v1, created1 := m.GetOrCreate("u1", create)
	v2, created2 := m.GetOrCreate("u1", create)

	assert.True(t, created1)
	assert.False(t, created2)
	assert.Same(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestConcurrentUpdates(t *testing.T) {
	m := New[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			m.Update(key, func(cur int, _ bool) int { return cur + 1 })
		}(i)
	}
	wg.Wait()

	total := 0
	m.Range(func(_ string, v int) bool { total += v; return true })
	assert.Equal(t, 50, total)
	assert.Equal(t, 5, m.Len())
}

func TestDelete(t *testing.T) {
	m := New[string](0)
	m.Set("a", "x")
	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	_, ok := m.Get("a")
	assert.False(t, ok)
}
