// Package faulting resolves resource references on demand: a reference held as
// (entity, resource ID) is materialised into property values the first time it
// is needed, and kept current through cache change notifications afterwards.
package faulting

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/objectwire/objectwire/internal/mirror"
	"github.com/objectwire/objectwire/pkg/logger"
)

// Notification reports that a resource the resolver has served changed.
type Notification struct {
	Entity     string
	ResourceID int64
	Changed    []string
	Deleted    bool
}

// Subscriber receives notifications for served resources.
type Subscriber func(Notification)

type servedKey struct {
	entity string
	id     int64
}

// Resolver materialises resource references against a cached store and fans
// change notifications out to subscribers, filtered to the resources it has
// actually served.
type Resolver struct {
	cache *mirror.CachedStore
	log   *zap.Logger

	mu          sync.RWMutex
	served      map[servedKey]struct{}
	subscribers []Subscriber

	done chan struct{}
}

// NewResolver starts consuming the cache's event stream. Close releases it.
func NewResolver(cache *mirror.CachedStore) *Resolver {
	r := &Resolver{
		cache:  cache,
		log:    logger.WithModule("faulting"),
		served: make(map[servedKey]struct{}),
		done:   make(chan struct{}),
	}
	go r.watch()
	return r
}

// Close stops the notification fan-out.
func (r *Resolver) Close() {
	close(r.done)
}

// ResolveFault returns property values for a reference. A cached resource
// answers synchronously from the snapshot, with a refresh already scheduled by
// the cache; an unknown resource blocks until the fetch resolves. There are no
// placeholder values: a non-nil result is always server-confirmed data.
func (r *Resolver) ResolveFault(ctx context.Context, entityName string, resourceID int64) (map[string]any, error) {
	values, err := r.cache.GetSync(ctx, entityName, resourceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.served[servedKey{entity: entityName, id: resourceID}] = struct{}{}
	r.mu.Unlock()
	return values, nil
}

// Subscribe registers fn for change notifications. Only resources previously
// returned by ResolveFault are reported.
func (r *Resolver) Subscribe(fn Subscriber) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

func (r *Resolver) watch() {
	for {
		select {
		case ev, ok := <-r.cache.Events():
			if !ok {
				return
			}
			r.dispatch(ev)
		case <-r.done:
			return
		}
	}
}

func (r *Resolver) dispatch(ev mirror.ChangeEvent) {
	key := servedKey{entity: ev.Entity, id: ev.ResourceID}

	r.mu.RLock()
	_, serving := r.served[key]
	subscribers := make([]Subscriber, len(r.subscribers))
	copy(subscribers, r.subscribers)
	r.mu.RUnlock()

	if !serving {
		return
	}
	if ev.Deleted {
		r.mu.Lock()
		delete(r.served, key)
		r.mu.Unlock()
	}

	note := Notification{
		Entity:     ev.Entity,
		ResourceID: ev.ResourceID,
		Changed:    ev.Changed,
		Deleted:    ev.Deleted,
	}
	r.log.Debug("resource changed",
		zap.String("entity", note.Entity), zap.Int64("resource_id", note.ResourceID))
	for _, fn := range subscribers {
		fn(note)
	}
}
