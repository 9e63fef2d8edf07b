package authz

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type mappingFile struct {
	Groups map[string][]string `yaml:"groups"`
}

// StaticRoleMapper expands identity-provider groups or token roles into
// application roles using a static YAML file:
//
//	groups:
//	  ops-team: [admin, reader]
//	  support: [reader]
//
// Roles without a mapping entry pass through unchanged.
type StaticRoleMapper struct {
	path    string
	mu      sync.RWMutex
	mapping mappingFile
}

// NewStaticRoleMapper creates a mapper that loads its mapping from path.
func NewStaticRoleMapper(path string) (*StaticRoleMapper, error) {
	m := &StaticRoleMapper{path: path}
	if err := m.Sync(); err != nil {
		return nil, err
	}
	return m, nil
}

// Expand returns the sorted, de-duplicated union of the given roles and every
// role they map to.
func (m *StaticRoleMapper) Expand(roles []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
		for _, mapped := range m.mapping.Groups[role] {
			set[mapped] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for role := range set {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Sync reloads the mapping file from disk.
func (m *StaticRoleMapper) Sync() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("authz: reading role mapping %s: %w", m.path, err)
	}

	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("authz: parsing role mapping %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.mapping = f
	m.mu.Unlock()

	return nil
}
