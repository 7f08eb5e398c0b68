package store

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Action is a permission action.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// DefaultPrimaryKey is the primary key field of collections that don't configure one.
const DefaultPrimaryKey = "id"

// Permission grants one action on one collection.
type Permission struct {
	// Filter restricts the rows the action applies to.
	Filter datastore.Filter `yaml:"filter,omitempty"`

	// Fields restricts the readable or writable fields. Empty or "*" means all.
	Fields []string `yaml:"fields,omitempty"`
}

// AllFields reports whether the permission is not restricted to a field list.
func (p *Permission) AllFields() bool {
	return p == nil || len(p.Fields) == 0 || slices.Contains(p.Fields, "*")
}

// Allows reports whether field may be accessed under this permission.
func (p *Permission) Allows(field string) bool {
	return p.AllFields() || slices.Contains(p.Fields, field)
}

// CollectionConfig describes a collection.
type CollectionConfig struct {
	PrimaryKey string `yaml:"primaryKey,omitempty"`
}

// Rules maps collection -> action -> permission. A present action with an
// empty body grants it without restrictions.
type Rules map[string]map[Action]*Permission

// Policy is the permission model of the store.
//
//	collections:
//	  articles: {}
//	public:
//	  articles:
//	    read:
//	      filter: {status: {_eq: published}}
//	roles:
//	  editor:
//	    articles:
//	      read: {}
//	      update:
//	        filter: {author: {_eq: $CURRENT_USER}}
type Policy struct {
	Collections map[string]CollectionConfig `yaml:"collections"`
	Public      Rules                       `yaml:"public,omitempty"`
	Roles       map[string]Rules            `yaml:"roles,omitempty"`
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses and validates a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every rule refers to a known collection and action.
func (p *Policy) Validate() error {
	if len(p.Collections) == 0 {
		return errors.New("policy must declare at least one collection")
	}
	if err := p.validateRules("public", p.Public); err != nil {
		return err
	}
	for role, rules := range p.Roles {
		if role == "" {
			return errors.New("policy role name cannot be empty")
		}
		if err := p.validateRules("role "+role, rules); err != nil {
			return err
		}
	}
	return nil
}

func (p *Policy) validateRules(owner string, rules Rules) error {
	for collection, actions := range rules {
		if !p.HasCollection(collection) {
			return fmt.Errorf("%s: unknown collection %q", owner, collection)
		}
		for action := range actions {
			switch action {
			case ActionRead, ActionCreate, ActionUpdate, ActionDelete:
			default:
				return fmt.Errorf("%s: unknown action %q on %s", owner, action, collection)
			}
		}
	}
	return nil
}

// HasCollection reports whether the collection is declared.
func (p *Policy) HasCollection(collection string) bool {
	_, ok := p.Collections[collection]
	return ok
}

// PrimaryKey returns the primary key field of a collection.
func (p *Policy) PrimaryKey(collection string) string {
	if c, ok := p.Collections[collection]; ok && c.PrimaryKey != "" {
		return c.PrimaryKey
	}
	return DefaultPrimaryKey
}

// CollectionNames returns the declared collections in sorted order.
func (p *Policy) CollectionNames() []string {
	names := make([]string, 0, len(p.Collections))
	for name := range p.Collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Permission resolves the permission of acc for an action. Admins get an
// unrestricted permission; an unknown collection or a missing grant yields
// datastore.ErrForbidden.
func (p *Policy) Permission(acc *datastore.Accountability, collection string, action Action) (*Permission, error) {
	if !p.HasCollection(collection) {
		return nil, fmt.Errorf("%w: collection %q", datastore.ErrForbidden, collection)
	}
	if acc != nil && acc.Admin {
		return &Permission{}, nil
	}

	rules := p.Public
	if acc != nil && acc.Role != "" {
		rules = p.Roles[acc.Role]
	}

	perm, ok := rules[collection][action]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %q", datastore.ErrForbidden, action, collection)
	}
	if perm == nil {
		perm = &Permission{}
	}
	return perm, nil
}
