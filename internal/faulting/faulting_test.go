package faulting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectwire/objectwire/internal/mirror"
	"github.com/objectwire/objectwire/internal/schema"
)

type memoryRemote struct {
	mu   sync.Mutex
	data map[int64]map[string]any
	fail error
}

func (r *memoryRemote) set(id int64, values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[id] = values
}

func (r *memoryRemote) Fetch(_ context.Context, _ string, id int64) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	values, ok := r.data[id]
	if !ok {
		return nil, errors.New("not found")
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (r *memoryRemote) Create(context.Context, string, map[string]any) (int64, error) {
	return 0, errors.New("not supported")
}

func (r *memoryRemote) Edit(context.Context, string, int64, map[string]any) error {
	return errors.New("not supported")
}

func (r *memoryRemote) Delete(_ context.Context, _ string, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, id)
	return nil
}

func newResolver(t *testing.T) (*Resolver, *mirror.CachedStore, *memoryRemote) {
	t.Helper()

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.Entity{
		Name:              "Author",
		Path:              "authors",
		IdentityAttribute: "id",
		Attributes: map[string]schema.Attribute{
			"name": {Type: schema.String},
		},
	}, schema.OpenAccess{}))

	remote := &memoryRemote{data: map[int64]map[string]any{}}
	cache, err := mirror.New(remote, registry)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	resolver := NewResolver(cache)
	t.Cleanup(resolver.Close)
	return resolver, cache, remote
}

func TestResolveFaultBlocksOnMiss(t *testing.T) {
	resolver, _, remote := newResolver(t)
	remote.set(1, map[string]any{"id": int64(1), "name": "ada"})

	values, err := resolver.ResolveFault(context.Background(), "Author", 1)
	require.NoError(t, err)
	require.Equal(t, "ada", values["name"])
}

func TestResolveFaultErrorHasNoPlaceholder(t *testing.T) {
	resolver, cache, _ := newResolver(t)

	values, err := resolver.ResolveFault(context.Background(), "Author", 7)
	require.Error(t, err)
	require.Nil(t, values)

	_, ok := cache.Peek("Author", 7)
	require.False(t, ok)
}

func TestSubscribersSeeChangesToServedResources(t *testing.T) {
	resolver, _, remote := newResolver(t)
	remote.set(1, map[string]any{"id": int64(1), "name": "v1"})
	remote.set(2, map[string]any{"id": int64(2), "name": "other"})

	_, err := resolver.ResolveFault(context.Background(), "Author", 1)
	require.NoError(t, err)

	var mu sync.Mutex
	var notes []Notification
	resolver.Subscribe(func(n Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	})

	// The served resource changes on the server; resolving again refreshes.
	remote.set(1, map[string]any{"id": int64(1), "name": "v2"})
	_, err = resolver.ResolveFault(context.Background(), "Author", 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	note := notes[0]
	mu.Unlock()
	require.Equal(t, "Author", note.Entity)
	require.Equal(t, int64(1), note.ResourceID)
	require.Equal(t, []string{"name"}, note.Changed)
}

func TestChangesToUnservedResourcesAreFiltered(t *testing.T) {
	resolver, cache, remote := newResolver(t)
	remote.set(1, map[string]any{"id": int64(1), "name": "served"})
	remote.set(2, map[string]any{"id": int64(2), "name": "v1"})

	_, err := resolver.ResolveFault(context.Background(), "Author", 1)
	require.NoError(t, err)

	var fired sync.Map
	resolver.Subscribe(func(n Notification) {
		fired.Store(n.ResourceID, true)
	})

	// Warm resource 2 in the cache directly, without serving it, then change
	// it so a refresh produces an event the resolver must drop.
	_, err = cache.GetSync(context.Background(), "Author", 2)
	require.NoError(t, err)
	remote.set(2, map[string]any{"id": int64(2), "name": "v2"})
	_, err = cache.GetSync(context.Background(), "Author", 2)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	_, seen := fired.Load(int64(2))
	require.False(t, seen)
}
