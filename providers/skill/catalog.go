package skill

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Catalog resolves skill ids to descriptors. Catalog CRUD lives outside this
// module; the engine only reads.
type Catalog interface {
	Skill(ctx context.Context, id string) (Descriptor, error)
}

// StaticCatalog is an in-memory, concurrency-safe Catalog. Ids are matched
// case-insensitively.
type StaticCatalog struct {
	mu     sync.RWMutex
	skills map[string]Descriptor
}

var _ Catalog = (*StaticCatalog)(nil)

// NewStaticCatalog returns a catalog holding descriptors. Invalid
// descriptors are rejected.
func NewStaticCatalog(descriptors ...Descriptor) (*StaticCatalog, error) {
	catalog := &StaticCatalog{skills: make(map[string]Descriptor)}
	if err := catalog.Add(descriptors...); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Add validates and stores descriptors, replacing any with the same id.
func (c *StaticCatalog) Add(descriptors ...Descriptor) error {
	for _, descriptor := range descriptors {
		if descriptor.ID == "" {
			return fmt.Errorf("%w: missing id", ErrInvalidDescriptor)
		}
		if err := descriptor.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, descriptor := range descriptors {
		c.skills[strings.ToLower(descriptor.ID)] = descriptor
	}
	return nil
}

// Skill implements Catalog.
func (c *StaticCatalog) Skill(_ context.Context, id string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	descriptor, found := c.skills[strings.ToLower(id)]
	if !found {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrSkillNotFound, id)
	}
	return descriptor, nil
}

// Remove deletes a descriptor and reports whether it existed.
func (c *StaticCatalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(id)
	if _, found := c.skills[key]; !found {
		return false
	}
	delete(c.skills, key)
	return true
}

// List returns all descriptors sorted by id.
func (c *StaticCatalog) List() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(c.skills))
	for _, descriptor := range c.skills {
		descriptors = append(descriptors, descriptor)
	}
	slices.SortFunc(descriptors, func(a, b Descriptor) int {
		return strings.Compare(a.ID, b.ID)
	})
	return descriptors
}
