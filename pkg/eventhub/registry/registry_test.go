package registry_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/registry"
)

func TestRegisterAndGet(t *testing.T) {
	r := registry.New[string, int]()

	require.NoError(t, r.Register("one", 1))
	require.NoError(t, r.Register("two", 2))

	v, ok := r.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("three")
	assert.False(t, ok)
	assert.True(t, r.Has("two"))
	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []string{"one", "two"}, r.Keys())
}

func TestRegisterDuplicate(t *testing.T) {
	r := registry.New[string, int]()
	require.NoError(t, r.Register("k", 1))
	assert.Error(t, r.Register("k", 2))

	v, _ := r.Get("k")
	assert.Equal(t, 1, v, "first registration wins")
}

func TestPatternsMatch(t *testing.T) {
	p := registry.NewPatterns[string](event.Match)
	p.Add("*.*.requested", "permission")
	p.Add("entities.create.*", "audit-create")
	p.Add("*", "webhooks")
	p.Add("*.*.requested", "metrics")

	assert.Equal(t, []string{"permission", "audit-create", "webhooks", "metrics"},
		p.Match("entities.create.requested"))
	assert.Equal(t, []string{"webhooks"}, p.Match("hub.token.generated"))
	assert.Equal(t, []string{"*", "*.*.requested", "entities.create.*"}, p.Patterns())
	assert.Len(t, p.Values(), 4)
}

func TestPatternsCacheInvalidatedOnAdd(t *testing.T) {
	p := registry.NewPatterns[string](event.Match)
	p.Add("tasks.*", "a")
	assert.Equal(t, []string{"a"}, p.Match("tasks.create.requested"))

	p.Add("tasks.create.requested", "b")
	assert.Equal(t, []string{"a", "b"}, p.Match("tasks.create.requested"))
}

func TestPatternsConcurrentMatch(t *testing.T) {
	p := registry.NewPatterns[int](func(pattern, typ string) bool {
		return strings.HasPrefix(typ, strings.TrimSuffix(pattern, "*"))
	})
	for i := range 10 {
		p.Add("t*", i)
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, p.Match("type.x.y"), 10)
		}()
	}
	wg.Wait()
}
