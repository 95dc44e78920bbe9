// Package mirror maintains a client-side cache of server resources with
// stale-while-revalidate reads and write-through mutations. All cache state is
// owned by a single run loop; callers interact through the exported methods
// and never see partially applied updates.
package mirror

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/objectwire/objectwire/internal/schema"
	"github.com/objectwire/objectwire/pkg/logger"
)

// Remote is the server connection the cache reads through and writes through.
type Remote interface {
	Fetch(ctx context.Context, entityName string, resourceID int64) (map[string]any, error)
	Create(ctx context.Context, entityName string, initial map[string]any) (int64, error)
	Edit(ctx context.Context, entityName string, resourceID int64, changes map[string]any) error
	Delete(ctx context.Context, entityName string, resourceID int64) error
}

// Entry is a cached snapshot of one resource.
type Entry struct {
	Values     map[string]any
	DateCached time.Time
}

// ChangeEvent reports that cached values for a resource changed, with the
// exact set of changed property names. Deleted is set when the resource was
// removed and the entry evicted.
type ChangeEvent struct {
	Entity     string
	ResourceID int64
	Changed    []string
	Deleted    bool
}

type resourceKey struct {
	entity string
	id     int64
}

type completion func(values map[string]any, err error)

const eventBuffer = 64

// CachedStore is the caching layer over a Remote.
type CachedStore struct {
	remote   Remote
	registry *schema.Registry
	now      func() time.Time
	log      *zap.Logger

	// refreshCtx outlives individual callers; a revalidation promised on a
	// stale hit must not die with the caller that triggered it. Close
	// cancels it.
	refreshCtx context.Context
	stop       context.CancelFunc

	ops    chan func()
	quit   chan struct{}
	events chan ChangeEvent

	// Owned by the run loop.
	entries  map[resourceKey]Entry
	pending  map[resourceKey][]completion
	inflight map[resourceKey]bool
}

// New starts the run loop and returns the store. Close releases it.
func New(remote Remote, registry *schema.Registry) (*CachedStore, error) {
	if remote == nil {
		return nil, fmt.Errorf("mirror: remote is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("mirror: registry is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CachedStore{
		remote:     remote,
		registry:   registry,
		now:        time.Now,
		log:        logger.WithModule("mirror"),
		refreshCtx: ctx,
		stop:       cancel,
		ops:        make(chan func()),
		quit:       make(chan struct{}),
		events:     make(chan ChangeEvent, eventBuffer),
		entries:    make(map[resourceKey]Entry),
		pending:    make(map[resourceKey][]completion),
		inflight:   make(map[resourceKey]bool),
	}
	go s.loop()
	return s, nil
}

// Close stops the run loop and cancels in-flight fetches. Pending completions
// are not delivered.
func (s *CachedStore) Close() {
	s.stop()
	close(s.quit)
}

// Events exposes the change notification stream. Events are dropped, with a
// log line, when the consumer falls behind the buffer.
func (s *CachedStore) Events() <-chan ChangeEvent {
	return s.events
}

func (s *CachedStore) loop() {
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.quit:
			return
		}
	}
}

// post runs fn on the run loop; it reports false after Close.
func (s *CachedStore) post(fn func()) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// Get reads a resource. A cached entry completes immediately with the stale
// snapshot and triggers a background refresh; a cache miss completes only
// once the network fetch resolves. The completion runs on an unspecified
// goroutine, at most once.
func (s *CachedStore) Get(ctx context.Context, entityName string, resourceID int64, complete completion) {
	key := resourceKey{entity: entityName, id: resourceID}
	s.post(func() {
		if entry, ok := s.entries[key]; ok {
			snapshot := cloneValues(entry.Values)
			go complete(snapshot, nil)
			s.refresh(key)
			return
		}
		s.pending[key] = append(s.pending[key], complete)
		s.refresh(key)
	})
}

// GetSync is Get with the completion turned into a return value.
func (s *CachedStore) GetSync(ctx context.Context, entityName string, resourceID int64) (map[string]any, error) {
	type result struct {
		values map[string]any
		err    error
	}
	ch := make(chan result, 1)
	s.Get(ctx, entityName, resourceID, func(values map[string]any, err error) {
		ch <- result{values: values, err: err}
	})
	select {
	case res := <-ch:
		return res.values, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the cached entry without touching the network.
func (s *CachedStore) Peek(entityName string, resourceID int64) (Entry, bool) {
	key := resourceKey{entity: entityName, id: resourceID}
	type result struct {
		entry Entry
		ok    bool
	}
	ch := make(chan result, 1)
	if !s.post(func() {
		entry, ok := s.entries[key]
		if ok {
			entry.Values = cloneValues(entry.Values)
		}
		ch <- result{entry: entry, ok: ok}
	}) {
		return Entry{}, false
	}
	res := <-ch
	return res.entry, res.ok
}

// refresh starts a network fetch for key unless one is already in flight.
// The fetch runs under the store's own context, not the caller's. Runs on the
// run loop.
func (s *CachedStore) refresh(key resourceKey) {
	if s.inflight[key] {
		return
	}
	s.inflight[key] = true

	go func() {
		values, err := s.remote.Fetch(s.refreshCtx, key.entity, key.id)
		s.post(func() { s.settle(key, values, err) })
	}()
}

// settle applies a fetch result. Runs on the run loop.
func (s *CachedStore) settle(key resourceKey, values map[string]any, err error) {
	s.inflight[key] = false
	waiters := s.pending[key]
	delete(s.pending, key)

	if err != nil {
		// The stale entry, when present, stays untouched. Only callers
		// with no cached value to fall back on see the failure.
		if _, cached := s.entries[key]; cached {
			s.log.Debug("refresh failed, keeping cached entry",
				zap.String("entity", key.entity), zap.Int64("resource_id", key.id), zap.Error(err))
		}
		for _, complete := range waiters {
			go complete(nil, err)
		}
		return
	}

	previous, existed := s.entries[key]
	changed := diffValues(previous.Values, values)
	if !existed || len(changed) > 0 {
		s.entries[key] = Entry{Values: cloneValues(values), DateCached: s.now()}
		if existed {
			s.emit(ChangeEvent{Entity: key.entity, ResourceID: key.id, Changed: changed})
		}
	}

	for _, complete := range waiters {
		snapshot := cloneValues(values)
		go complete(snapshot, nil)
	}
}

// Create writes through to the server and caches the confirmed resource.
func (s *CachedStore) Create(ctx context.Context, entityName string, initial map[string]any) (int64, error) {
	entity, _, ok := s.registry.Lookup(entityName)
	if !ok {
		return 0, fmt.Errorf("mirror: unknown entity %q", entityName)
	}

	id, err := s.remote.Create(ctx, entityName, initial)
	if err != nil {
		return 0, err
	}

	values := cloneValues(initial)
	values[entity.IdentityAttribute] = id
	key := resourceKey{entity: entityName, id: id}
	s.post(func() {
		s.entries[key] = Entry{Values: values, DateCached: s.now()}
	})
	return id, nil
}

// Edit writes through to the server; the cache is updated only after the
// server confirms, so a failed edit leaves the snapshot untouched.
func (s *CachedStore) Edit(ctx context.Context, entityName string, resourceID int64, changes map[string]any) error {
	if err := s.remote.Edit(ctx, entityName, resourceID, changes); err != nil {
		return err
	}

	key := resourceKey{entity: entityName, id: resourceID}
	confirmed := cloneValues(changes)
	s.post(func() {
		entry, ok := s.entries[key]
		if !ok {
			return
		}
		changedNames := make([]string, 0, len(confirmed))
		for name, value := range confirmed {
			if !valuesEqual(entry.Values[name], value) {
				changedNames = append(changedNames, name)
			}
			entry.Values[name] = value
		}
		entry.DateCached = s.now()
		s.entries[key] = entry
		if len(changedNames) > 0 {
			sort.Strings(changedNames)
			s.emit(ChangeEvent{Entity: key.entity, ResourceID: key.id, Changed: changedNames})
		}
	})
	return nil
}

// Delete writes through to the server and evicts the entry on confirmation.
func (s *CachedStore) Delete(ctx context.Context, entityName string, resourceID int64) error {
	if err := s.remote.Delete(ctx, entityName, resourceID); err != nil {
		return err
	}

	key := resourceKey{entity: entityName, id: resourceID}
	s.post(func() {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
		}
		s.emit(ChangeEvent{Entity: key.entity, ResourceID: key.id, Deleted: true})
	})
	return nil
}

// emit sends without blocking the run loop. Runs on the run loop.
func (s *CachedStore) emit(ev ChangeEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("change event dropped",
			zap.String("entity", ev.Entity), zap.Int64("resource_id", ev.ResourceID))
	}
}

func cloneValues(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// diffValues names every key whose value differs between the snapshots,
// including keys present on only one side. Sorted for stable events.
func diffValues(old, new map[string]any) []string {
	names := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		names[k] = struct{}{}
	}
	for k := range new {
		names[k] = struct{}{}
	}

	var changed []string
	for name := range names {
		oldV, inOld := old[name]
		newV, inNew := new[name]
		if inOld != inNew || !valuesEqual(oldV, newV) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// valuesEqual compares decoded JSON values, treating numeric representations
// of the same quantity as equal.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}

	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bw, present := bv[k]
			if !present || !valuesEqual(v, bw) {
				return false
			}
		}
		return true
	default:
		if a == nil || b == nil {
			return a == b
		}
		// Remaining dynamic types must be comparable before == is safe.
		if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
			return false
		}
		return a == b
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
