package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store exposes persona retrieval for handlers and the session bridge.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
	// Find resolves a key against persona IDs first, then titles (case-insensitive).
	Find(key string) (Persona, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List returns the persona catalog.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}

// Find looks up a persona by identifier or title.
func (s *MemoryStore) Find(key string) (Persona, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Persona{}, false
	}
	if item, ok := s.FindByID(key); ok {
		return item, true
	}
	for _, item := range s.items {
		if strings.EqualFold(item.Title, key) {
			return item, true
		}
	}
	return Persona{}, false
}

type catalogFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadFile reads a YAML persona catalog of the form `personas: [...]`.
func LoadFile(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse persona catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(catalog.Personas))
	for i, item := range catalog.Personas {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, fmt.Errorf("persona catalog %s: entry %d has no id", path, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("persona catalog %s: duplicate id %q", path, id)
		}
		seen[id] = struct{}{}
		catalog.Personas[i].ID = id
	}
	return catalog.Personas, nil
}
