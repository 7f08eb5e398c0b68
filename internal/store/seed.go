package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Seed is initial data keyed by collection.
//
//	articles:
//	  - {title: Hello, status: published}
type Seed map[string][]datastore.Item

// LoadSeed reads a seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return seed, nil
}

// Collections returns the collections named by the seed.
func (s Seed) Collections() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// ImportSeed imports every collection of seed.
func (s *Store) ImportSeed(seed Seed) error {
	for collection, items := range seed {
		if err := s.Import(collection, items); err != nil {
			return fmt.Errorf("failed to seed %q: %w", collection, err)
		}
	}
	return nil
}

// DefaultPolicy declares the given collections, lets everyone read them and
// gives the "editor" role full access. It is used when no policy file is
// configured.
func DefaultPolicy(collections ...string) *Policy {
	p := &Policy{
		Collections: make(map[string]CollectionConfig, len(collections)),
		Public:      Rules{},
		Roles:       map[string]Rules{"editor": {}},
	}
	for _, c := range collections {
		p.Collections[c] = CollectionConfig{}
		p.Public[c] = map[Action]*Permission{ActionRead: {}}
		p.Roles["editor"][c] = map[Action]*Permission{
			ActionRead:   {},
			ActionCreate: {},
			ActionUpdate: {},
			ActionDelete: {},
		}
	}
	return p
}
