// Package config parses the nested workspace configuration into a flat,
// typed index of space descriptors keyed by entity type. The tree is walked
// exactly once at startup; query-time lookups are map reads.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"replicore/pkg/domain"
)

// Workspace is the top level of the runtime configuration.
type Workspace struct {
	Name   string  `json:"name"`
	Spaces []Space `json:"spaces"`
}

// Space declares one entity type: its fields, orderings, filters, and views.
// Field keys may carry the "<entityType>_field_" configuration prefix; the
// index normalizes them to canonical names.
type Space struct {
	Type         string            `json:"type"`
	Fields       map[string]string `json:"fields"`
	SortOptions  []SortOption      `json:"sortOptions"`
	FilterFields []FilterField     `json:"filterFields"`
	Views        []View            `json:"views"`
	Permissions  *Permissions      `json:"permissions"`
	PartitionKey string            `json:"partitionKey"`
	TotalCount   bool              `json:"totalCount"`
	ChildTables  map[string]string `json:"childTables"`
}

// SortOption mirrors the configuration's sort declaration.
type SortOption struct {
	Field        string `json:"field"`
	Direction    string `json:"direction"`
	TieBreaker   string `json:"tieBreaker"`
	TieDirection string `json:"tieDirection"`
	SubPath      string `json:"subPath"`
}

// FilterField mirrors the configuration's filter declaration.
type FilterField struct {
	Field    string `json:"field"`
	Type     string `json:"type"`
	Operator string `json:"operator"`
}

// View mirrors a per-view declaration (page size and rendering hints).
type View struct {
	Name     string `json:"name"`
	PageSize int    `json:"pageSize"`
	Default  bool   `json:"default"`
}

// Permissions mirrors the per-space permission flags.
type Permissions struct {
	CanAdd    bool `json:"canAdd"`
	CanEdit   bool `json:"canEdit"`
	CanDelete bool `json:"canDelete"`
}

// Document is the root configuration payload.
type Document struct {
	Workspaces []Workspace `json:"workspaces"`
}

// Index is the flat entityType -> SpaceDescriptor lookup plus the child
// table ownership overrides declared alongside each space.
type Index struct {
	descriptors map[domain.EntityType]domain.SpaceDescriptor
	childTables map[string]domain.EntityType
}

// Parse decodes a configuration document and builds the index. Later
// workspaces win when two declare the same entity type.
func Parse(r io.Reader) (*Index, error) {
	var doc Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return Build(doc)
}

// Load reads and parses a configuration file.
func Load(path string) (*Index, error) {
	f, err := os.Open(path) // #nosec G304 -- caller-supplied config path
	if err != nil {
		return nil, fmt.Errorf("open configuration: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Build constructs the index from an already-decoded document.
func Build(doc Document) (*Index, error) {
	idx := &Index{
		descriptors: make(map[domain.EntityType]domain.SpaceDescriptor),
		childTables: make(map[string]domain.EntityType),
	}
	for _, ws := range doc.Workspaces {
		for _, space := range ws.Spaces {
			if space.Type == "" {
				return nil, fmt.Errorf("workspace %q declares a space without a type", ws.Name)
			}
			desc, err := flatten(space)
			if err != nil {
				return nil, fmt.Errorf("workspace %q space %q: %w", ws.Name, space.Type, err)
			}
			idx.descriptors[desc.Type] = desc
			for table, owner := range space.ChildTables {
				idx.childTables[table] = domain.EntityType(owner)
			}
		}
	}
	return idx, nil
}

func flatten(space Space) (domain.SpaceDescriptor, error) {
	entityType := domain.EntityType(space.Type)
	desc := domain.SpaceDescriptor{
		Type:         entityType,
		Fields:       make(map[string]string, len(space.Fields)),
		Views:        make(map[string]domain.ViewConfig, len(space.Views)),
		PartitionKey: domain.NormalizeFieldKey(entityType, space.PartitionKey),
		HasTotal:     space.TotalCount,
	}
	for key, logical := range space.Fields {
		desc.Fields[domain.NormalizeFieldKey(entityType, key)] = logical
	}
	for _, opt := range space.SortOptions {
		sortOpt := domain.SortOption{
			Field:     domain.NormalizeFieldKey(entityType, opt.Field),
			Direction: direction(opt.Direction),
			SubPath:   opt.SubPath,
		}
		if opt.TieBreaker != "" {
			sortOpt.TieBreaker = &domain.TieBreaker{
				Field:     domain.NormalizeFieldKey(entityType, opt.TieBreaker),
				Direction: direction(opt.TieDirection),
			}
		}
		desc.SortOptions = append(desc.SortOptions, sortOpt)
	}
	for _, filter := range space.FilterFields {
		if filter.Field == "" {
			return domain.SpaceDescriptor{}, fmt.Errorf("filter field without a name")
		}
		desc.FilterFields = append(desc.FilterFields, domain.FilterField{
			Field:       domain.NormalizeFieldKey(entityType, filter.Field),
			LogicalType: filter.Type,
			Operator:    domain.Operator(filter.Operator),
		})
	}
	for _, view := range space.Views {
		name := view.Name
		if name == "" {
			name = "default"
		}
		desc.Views[name] = domain.ViewConfig{Name: name, PageSize: view.PageSize, Default: view.Default}
	}
	if space.Permissions != nil {
		desc.Permissions = domain.Permissions{
			CanAdd:    space.Permissions.CanAdd,
			CanEdit:   space.Permissions.CanEdit,
			CanDelete: space.Permissions.CanDelete,
		}
	}
	return desc, nil
}

func direction(s string) domain.SortDirection {
	if s == string(domain.SortDesc) {
		return domain.SortDesc
	}
	return domain.SortAsc
}

// Descriptor returns the space descriptor for an entity type. The second
// return is false when no configuration exists; callers treat that as
// "entity type unknown", not as an error.
func (i *Index) Descriptor(entityType domain.EntityType) (domain.SpaceDescriptor, bool) {
	desc, ok := i.descriptors[entityType]
	return desc, ok
}

// ChildOwner resolves an explicit child table ownership override.
func (i *Index) ChildOwner(table string) (domain.EntityType, bool) {
	owner, ok := i.childTables[table]
	return owner, ok
}

// Types lists all configured entity types in stable order.
func (i *Index) Types() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(i.descriptors))
	for t := range i.descriptors {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
