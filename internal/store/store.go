// Package store implements the server-side object store: durable resource ID
// allocation, CRUD against the persistence engine and search evaluation.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/objectwire/objectwire/internal/models"
	"github.com/objectwire/objectwire/internal/schema"
	"github.com/objectwire/objectwire/pkg/logger"
	"github.com/objectwire/objectwire/pkg/metrics"
)

var (
	// ErrNotFound marks a lookup for an entity instance that does not exist.
	ErrNotFound = errors.New("store: resource not found")
	// ErrConflict marks a write that would duplicate a unique attribute value.
	ErrConflict = errors.New("store: unique value conflict")
	// ErrUnknownEntity marks an operation against an unregistered entity.
	ErrUnknownEntity = errors.New("store: unknown entity")
)

// ObjectStore owns the persisted object graph. Construct one per process (or
// per test) and hand it to the components that need it.
type ObjectStore struct {
	db       *gorm.DB
	registry *schema.Registry
	alloc    *allocator
	log      *zap.Logger
}

// Open loads the durable last-ID map and returns a store bound to the
// database. An unrecoverable ID map is returned as an error; callers must
// treat it as fatal.
func Open(db *gorm.DB, registry *schema.Registry, lastIDsPath string) (*ObjectStore, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	if registry == nil {
		return nil, errors.New("store: registry is required")
	}

	file, err := loadLastIDs(lastIDsPath)
	if err != nil {
		return nil, err
	}

	return &ObjectStore{
		db:       db,
		registry: registry,
		alloc:    newAllocator(file),
		log:      logger.WithModule("store"),
	}, nil
}

// LastID returns the highest resource ID issued for the entity so far.
func (s *ObjectStore) LastID(entity string) int64 {
	return s.alloc.file.last(entity)
}

// AllocateID issues the next resource ID for the entity. Allocation is
// serialised per entity type and persisted before the ID is returned.
func (s *ObjectStore) AllocateID(entity string) (int64, error) {
	if _, _, ok := s.registry.Lookup(entity); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	id, err := s.alloc.allocate(entity)
	if err != nil {
		return 0, err
	}

	metrics.IDAllocations.WithLabelValues(entity).Inc()
	return id, nil
}

// Create allocates an ID and persists a new instance with the supplied values.
// Values must already be coerced into storage form.
func (s *ObjectStore) Create(ctx context.Context, entity string, values map[string]any) (*schema.Resource, error) {
	ent, _, ok := s.registry.Lookup(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	// The uniqueness scan and the insert must be one critical section, or two
	// concurrent creates can both pass the scan with the same unique value.
	lock := s.alloc.lockFor(entity)
	lock.Lock()
	defer lock.Unlock()

	if err := s.checkUnique(ctx, ent, 0, values); err != nil {
		return nil, err
	}

	id, err := s.alloc.allocateHeld(entity)
	if err != nil {
		return nil, err
	}
	metrics.IDAllocations.WithLabelValues(entity).Inc()

	data := make(map[string]any, len(values))
	for key, value := range values {
		data[key] = value
	}

	record := &models.Record{
		EntityName: entity,
		ResourceID: id,
		Data:       data,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("store: create %s: %w", entity, err)
	}

	return &schema.Resource{Entity: entity, ID: id, Values: data}, nil
}

// Fetch loads one instance, or ErrNotFound.
func (s *ObjectStore) Fetch(ctx context.Context, entity string, id int64) (*schema.Resource, error) {
	if _, _, ok := s.registry.Lookup(entity); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	var record models.Record
	err := s.db.WithContext(ctx).
		Where("entity_name = ? AND resource_id = ?", entity, id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch %s/%d: %w", entity, id, err)
	}

	return resourceFromRecord(&record), nil
}

// Update merges the changes into the stored values in one write.
func (s *ObjectStore) Update(ctx context.Context, res *schema.Resource, changes map[string]any) error {
	ent, _, ok := s.registry.Lookup(res.Entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, res.Entity)
	}

	// Same critical section as Create, so an edit cannot race a create (or
	// another edit) into a duplicate unique value.
	lock := s.alloc.lockFor(res.Entity)
	lock.Lock()
	defer lock.Unlock()

	if err := s.checkUnique(ctx, ent, res.ID, changes); err != nil {
		return err
	}

	var record models.Record
	err := s.db.WithContext(ctx).
		Where("entity_name = ? AND resource_id = ?", res.Entity, res.ID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: load %s/%d: %w", res.Entity, res.ID, err)
	}

	if record.Data == nil {
		record.Data = make(map[string]any, len(changes))
	}
	for key, value := range changes {
		record.Data[key] = value
	}

	if err := s.db.WithContext(ctx).Model(&record).Update("data", record.Data).Error; err != nil {
		return fmt.Errorf("store: update %s/%d: %w", res.Entity, res.ID, err)
	}

	if res.Values == nil {
		res.Values = make(map[string]any, len(changes))
	}
	for key, value := range changes {
		res.Values[key] = value
	}
	return nil
}

// Apply implements schema.Mutator for resource functions: changes are coerced
// for the entity and written through Update.
func (s *ObjectStore) Apply(ctx context.Context, res *schema.Resource, changes map[string]any) error {
	ent, _, ok := s.registry.Lookup(res.Entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, res.Entity)
	}

	coerced := make(map[string]any, len(changes))
	for key, value := range changes {
		normalized, err := ent.CoerceValue(key, value)
		if err != nil {
			return err
		}
		coerced[key] = normalized
	}

	return s.Update(ctx, res, coerced)
}

// Delete removes the instance, honouring each relationship's delete rule:
// cascade deletes the referenced resources, nullify scrubs references to the
// deleted resource from entities that point at it.
func (s *ObjectStore) Delete(ctx context.Context, res *schema.Resource) error {
	return s.delete(ctx, res, make(map[resourceRef]struct{}))
}

// resourceRef identifies one instance within a delete operation so that
// mutually cascading relationships terminate instead of recursing forever.
type resourceRef struct {
	entity string
	id     int64
}

func (s *ObjectStore) delete(ctx context.Context, res *schema.Resource, seen map[resourceRef]struct{}) error {
	ent, _, ok := s.registry.Lookup(res.Entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, res.Entity)
	}

	ref := resourceRef{entity: res.Entity, id: res.ID}
	if _, visited := seen[ref]; visited {
		return nil
	}
	seen[ref] = struct{}{}

	for name, rel := range ent.Relationships {
		if rel.DeleteRule != schema.Cascade {
			continue
		}
		for _, targetID := range schema.RelationshipIDs(res.Value(name)) {
			if _, visited := seen[resourceRef{entity: rel.Entity, id: targetID}]; visited {
				continue
			}
			target, err := s.Fetch(ctx, rel.Entity, targetID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := s.delete(ctx, target, seen); err != nil {
				return err
			}
		}
	}

	result := s.db.WithContext(ctx).
		Where("entity_name = ? AND resource_id = ?", res.Entity, res.ID).
		Delete(&models.Record{})
	if result.Error != nil {
		return fmt.Errorf("store: delete %s/%d: %w", res.Entity, res.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	if err := s.nullifyReferences(ctx, res); err != nil {
		return err
	}

	s.log.Debug("resource deleted",
		zap.String("entity", res.Entity),
		zap.Int64("resource_id", res.ID),
	)
	return nil
}

// nullifyReferences removes the deleted resource's ID from relationship values
// of entities that declare a nullify relationship targeting it.
func (s *ObjectStore) nullifyReferences(ctx context.Context, deleted *schema.Resource) error {
	for _, ent := range s.registry.Entities() {
		for name, rel := range ent.Relationships {
			if rel.Entity != deleted.Entity || rel.DeleteRule != schema.Nullify {
				continue
			}

			var records []models.Record
			if err := s.db.WithContext(ctx).
				Where("entity_name = ?", ent.Name).
				Find(&records).Error; err != nil {
				return fmt.Errorf("store: scan %s for dangling references: %w", ent.Name, err)
			}

			for i := range records {
				record := &records[i]
				raw, present := record.Data[name]
				if !present {
					continue
				}

				updated, changed := withoutID(raw, rel.ToMany, deleted.ID)
				if !changed {
					continue
				}

				record.Data[name] = updated
				if err := s.db.WithContext(ctx).Model(record).Update("data", record.Data).Error; err != nil {
					return fmt.Errorf("store: nullify %s.%s: %w", ent.Name, name, err)
				}
			}
		}
	}
	return nil
}

func withoutID(raw any, toMany bool, id int64) (any, bool) {
	if toMany {
		items, ok := raw.([]any)
		if !ok {
			return raw, false
		}
		kept := make([]any, 0, len(items))
		changed := false
		for _, item := range items {
			if value, ok := schema.NormalizeID(item); ok && value == id {
				changed = true
				continue
			}
			kept = append(kept, item)
		}
		return kept, changed
	}

	if value, ok := schema.NormalizeID(raw); ok && value == id {
		return nil, true
	}
	return raw, false
}

// Count returns the number of persisted instances of the entity.
func (s *ObjectStore) Count(ctx context.Context, entity string) (int64, error) {
	if _, _, ok := s.registry.Lookup(entity); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Record{}).
		Where("entity_name = ?", entity).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count %s: %w", entity, err)
	}
	return count, nil
}

func (s *ObjectStore) checkUnique(ctx context.Context, ent *schema.Entity, selfID int64, values map[string]any) error {
	for name, attr := range ent.Attributes {
		if !attr.Unique {
			continue
		}
		value, present := values[name]
		if !present || value == nil {
			continue
		}

		var records []models.Record
		if err := s.db.WithContext(ctx).
			Where("entity_name = ?", ent.Name).
			Find(&records).Error; err != nil {
			return fmt.Errorf("store: uniqueness scan %s: %w", ent.Name, err)
		}

		for i := range records {
			if records[i].ResourceID == selfID {
				continue
			}
			if valuesEqual(records[i].Data[name], value) {
				return fmt.Errorf("%w: %s.%s", ErrConflict, ent.Name, name)
			}
		}
	}
	return nil
}

func resourceFromRecord(record *models.Record) *schema.Resource {
	values := make(map[string]any, len(record.Data))
	for key, value := range record.Data {
		values[key] = value
	}
	return &schema.Resource{
		Entity: record.EntityName,
		ID:     record.ResourceID,
		Values: values,
	}
}
