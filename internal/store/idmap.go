package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/objectwire/objectwire/internal/models"
)

// lastIDFile persists the per-entity last-resource-ID map. Every allocation is
// flushed before the new ID is handed out, so a restart can never reissue a
// value. A backup copy of the previous contents is taken before each write; a
// failed write is rolled back from it.
type lastIDFile struct {
	path string

	mu  sync.Mutex
	ids models.LastIDs
}

func backupPath(path string) string { return path + ".bak" }

// loadLastIDs reads the ID map from disk, falling back to the backup copy when
// the primary file is corrupt or missing. Both failing while either file
// exists is unrecoverable and must abort startup.
func loadLastIDs(path string) (*lastIDFile, error) {
	if path == "" {
		return nil, fmt.Errorf("store: last-ID file path is required")
	}

	file := &lastIDFile{path: path, ids: make(models.LastIDs)}

	ids, primaryErr := readIDMap(path)
	if primaryErr == nil {
		file.ids = ids
		return file, nil
	}

	ids, backupErr := readIDMap(backupPath(path))
	if backupErr == nil {
		file.ids = ids
		return file, nil
	}

	if os.IsNotExist(primaryErr) && os.IsNotExist(backupErr) {
		// Fresh install.
		return file, nil
	}

	return nil, fmt.Errorf("store: last-ID map unrecoverable: %v (backup: %v)", primaryErr, backupErr)
}

func readIDMap(path string) (models.LastIDs, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	ids := make(models.LastIDs)
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ids, nil
}

// next increments the entity's counter, persists the map and returns the new
// ID. On a persistence failure the counter is rolled back and no ID is issued.
func (f *lastIDFile) next(entity string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous := f.ids[entity]
	f.ids[entity] = previous + 1

	if err := f.save(); err != nil {
		f.ids[entity] = previous
		return 0, err
	}

	return previous + 1, nil
}

// last returns the highest ID issued for the entity so far.
func (f *lastIDFile) last(entity string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[entity]
}

func (f *lastIDFile) save() error {
	raw, err := json.Marshal(f.ids)
	if err != nil {
		return fmt.Errorf("store: marshal last-ID map: %w", err)
	}

	// Keep the previous contents recoverable before touching the primary.
	if current, readErr := os.ReadFile(f.path); readErr == nil {
		if err := os.WriteFile(backupPath(f.path), current, 0o600); err != nil {
			return fmt.Errorf("store: write last-ID backup: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("store: write last-ID map: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: replace last-ID map: %w", err)
	}

	return nil
}

// allocator serialises ID allocation per entity type. Unrelated entity types
// allocate concurrently; the durable write inside lastIDFile is the only
// shared section.
type allocator struct {
	file *lastIDFile

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAllocator(file *lastIDFile) *allocator {
	return &allocator{
		file:  file,
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *allocator) lockFor(entity string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, ok := a.locks[entity]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[entity] = lock
	}
	return lock
}

func (a *allocator) allocate(entity string) (int64, error) {
	lock := a.lockFor(entity)
	lock.Lock()
	defer lock.Unlock()

	return a.file.next(entity)
}

// allocateHeld issues the next ID for callers that already hold the entity's
// lock from lockFor.
func (a *allocator) allocateHeld(entity string) (int64, error) {
	return a.file.next(entity)
}
