package registry

import (
	"fmt"

	"github.com/flowdeck/flowdeck/internal/store"
)

// OverrideStore persists dashboard toggles so a flipped active flag survives
// reloads of the declarative definitions.
type OverrideStore struct {
	db *store.DB
}

func NewOverrideStore(db *store.DB) *OverrideStore {
	return &OverrideStore{db: db}
}

// Set records the active override for an entity ("workflow" or "tool").
func (s *OverrideStore) Set(entityType, name string, active bool) error {
	val := 0
	if active {
		val = 1
	}
	_, err := s.db.SQLDB().Exec(s.db.Rebind(
		`INSERT INTO activation_overrides (entity_type, name, active) VALUES (?, ?, ?)
		 ON CONFLICT (entity_type, name) DO UPDATE SET active = excluded.active`),
		entityType, name, val)
	if err != nil {
		return fmt.Errorf("override set %s/%s: %w", entityType, name, err)
	}
	return nil
}

// All returns overrides keyed by entity type then name.
func (s *OverrideStore) All() (map[string]map[string]bool, error) {
	rows, err := s.db.SQLDB().Query(`SELECT entity_type, name, active FROM activation_overrides`)
	if err != nil {
		return nil, fmt.Errorf("override list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]map[string]bool{
		"workflow": {},
		"tool":     {},
	}
	for rows.Next() {
		var entityType, name string
		var active int
		if err := rows.Scan(&entityType, &name, &active); err != nil {
			return nil, fmt.Errorf("override scan: %w", err)
		}
		if _, ok := out[entityType]; !ok {
			out[entityType] = map[string]bool{}
		}
		out[entityType][name] = active != 0
	}
	return out, rows.Err()
}
