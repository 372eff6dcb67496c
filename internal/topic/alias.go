package topic

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// AliasTable maps human-readable names to group identities and back.
// A nil table has no entries.
type AliasTable struct {
	byName map[string]bulb.ID
	byID   map[bulb.ID]string
}

// NewAliasTable builds a table. Every identity may carry at most one alias.
func NewAliasTable(entries map[string]bulb.ID) (*AliasTable, error) {
	t := &AliasTable{
		byName: make(map[string]bulb.ID, len(entries)),
		byID:   make(map[bulb.ID]string, len(entries)),
	}
	names := lo.Keys(entries)
	slices.Sort(names)
	for _, name := range names {
		id := entries[name]
		if name == "" {
			return nil, fmt.Errorf("alias for %s has an empty name", id)
		}
		if other, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("identity %s has two aliases: %q and %q", id, other, name)
		}
		t.byName[name] = id
		t.byID[id] = name
	}
	return t, nil
}

// Lookup resolves an alias name.
func (t *AliasTable) Lookup(name string) (bulb.ID, bool) {
	if t == nil {
		return bulb.ID{}, false
	}
	id, ok := t.byName[name]
	return id, ok
}

// Name returns the alias bound to id.
func (t *AliasTable) Name(id bulb.ID) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.byID[id]
	return name, ok
}

// Len returns the number of aliases.
func (t *AliasTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byName)
}
