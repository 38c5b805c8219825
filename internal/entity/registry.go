package entity

import (
	"sync"

	"tacitus/internal/tacitus"

	"go.uber.org/zap"
)

// Registry holds every entity discovered so far. Entities are only ever added:
// a record missing from later snapshots keeps its entities, which simply stop updating.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	order    []string
	defaults DeviceDefaults
	logger   *zap.Logger
}

// NewRegistry creates an empty entity registry
func NewRegistry(defaults DeviceDefaults, logger *zap.Logger) *Registry {
	return &Registry{
		entities: make(map[string]*Entity),
		order:    make([]string, 0),
		defaults: defaults,
		logger:   logger,
	}
}

// Discover creates entities for records of snap that have not been seen before and
// returns only the new ones. When two records share an identity the first one wins.
func (r *Registry) Discover(kind Kind, snap *tacitus.Snapshot) []*Entity {
	if snap == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var added []*Entity
	for i, record := range snap.Records {
		for _, desc := range kind.Descriptors {
			e, err := New(kind, desc, record, r.defaults)
			if err != nil {
				r.logger.Debug("Skipping record without identity",
					zap.String("kind", kind.Name),
					zap.Int("index", i),
					zap.Error(err))
				break
			}

			if _, exists := r.entities[e.UniqueID]; exists {
				continue
			}

			r.entities[e.UniqueID] = e
			r.order = append(r.order, e.UniqueID)
			added = append(added, e)
		}
	}

	if len(added) > 0 {
		r.logger.Info("Discovered entities",
			zap.String("kind", kind.Name),
			zap.Int("added", len(added)),
			zap.Int("total", len(r.order)))
	}

	return added
}

// Get returns the entity with the given unique id
func (r *Registry) Get(uniqueID string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[uniqueID]
	return e, ok
}

// ForResource returns the entities backed by resource in discovery order
func (r *Registry) ForResource(resource tacitus.Resource) []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Entity, 0)
	for _, id := range r.order {
		if e := r.entities[id]; e.Resource == resource {
			result = append(result, e)
		}
	}
	return result
}

// All returns every entity in discovery order
func (r *Registry) All() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Entity, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.entities[id])
	}
	return result
}

// Len returns the number of known entities
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
