package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// aliasKey identifies one snapshot across categories. The persisted JSON
// still uses the historical "<category>/<filename>" string keys so existing
// alias files keep working.
type aliasKey struct {
	Category Category
	Filename string
}

// aliasTable is the shared alias map for all categories, persisted as a
// single JSON file beside the category directories. Entries whose snapshot
// is deleted out of band are tolerated as orphans.
type aliasTable struct {
	path    string
	entries map[aliasKey]string
}

func loadAliasTable(path string) (*aliasTable, error) {
	t := &aliasTable{path: path, entries: make(map[aliasKey]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("reading alias file: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing alias file %s: %w", path, err)
	}
	for k, alias := range raw {
		category, filename, ok := strings.Cut(k, "/")
		if !ok {
			continue
		}
		t.entries[aliasKey{Category(category), filename}] = alias
	}
	return t, nil
}

func (t *aliasTable) get(c Category, filename string) string {
	return t.entries[aliasKey{c, filename}]
}

func (t *aliasTable) set(c Category, filename, alias string) error {
	t.entries[aliasKey{c, filename}] = alias
	return t.save()
}

// remove deletes the entry and persists. Reports whether it existed.
func (t *aliasTable) remove(c Category, filename string) (bool, error) {
	k := aliasKey{c, filename}
	if _, ok := t.entries[k]; !ok {
		return false, nil
	}
	delete(t.entries, k)
	return true, t.save()
}

func (t *aliasTable) save() error {
	raw := make(map[string]string, len(t.entries))
	for k, alias := range t.entries {
		raw[string(k.Category)+"/"+k.Filename] = alias
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding aliases: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("creating backups directory: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0644); err != nil {
		return fmt.Errorf("writing alias file: %w", err)
	}
	return nil
}
