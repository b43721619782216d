// Package catalog holds the schema catalog produced by the discovery phase:
// the entities found in the source database, their relationships, and the
// metadata downstream phases need to order and verify the migration.
package catalog

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoEntities is returned when a discovery round produced a catalog with no
// tables in it. Callers treat it as recoverable feedback for the next round,
// not a fatal failure.
var ErrNoEntities = errors.New("catalog contains no entities")

// Column describes one column of a discovered table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  any    `json:"default,omitempty"`
}

// ForeignKey describes one outbound reference of a table.
type ForeignKey struct {
	ReferredTable      string   `json:"referred_table"`
	ConstrainedColumns []string `json:"constrained_columns"`
	ReferredColumns    []string `json:"referred_columns"`
	OnDelete           string   `json:"on_delete,omitempty"`
}

// ColumnSamples carries a few example values captured during discovery.
type ColumnSamples struct {
	Column  string `json:"column"`
	Samples []any  `json:"samples"`
}

// Entity is one discovered table (or collection) with everything the
// execution phase needs to recreate it.
type Entity struct {
	TableName     string          `json:"table_name"`
	RowCount      int64           `json:"row_count"`
	Columns       []Column        `json:"columns"`
	PrimaryKey    []string        `json:"primary_key,omitempty"`
	ForeignKeys   []ForeignKey    `json:"foreign_keys,omitempty"`
	ColumnSamples []ColumnSamples `json:"column_samples,omitempty"`
}

// Relationship is a source->target edge surfaced alongside the per-entity
// foreign keys for the report views.
type Relationship struct {
	SourceTable   string   `json:"source_table"`
	TargetTable   string   `json:"target_table"`
	SourceColumns []string `json:"source_columns"`
	TargetColumns []string `json:"target_columns"`
	OnDelete      string   `json:"on_delete,omitempty"`
}

// Catalog is the persisted output of the discovery phase.
type Catalog struct {
	DatabaseType  string         `json:"database_type"`
	Schema        string         `json:"schema"`
	Database      string         `json:"database,omitempty"`
	Host          string         `json:"host,omitempty"`
	Tables        []Entity       `json:"tables"`
	Relationships []Relationship `json:"relationships"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Iterations    int            `json:"iterations"`
	Satisfied     bool           `json:"satisfied"`
}

// Decode parses a catalog document and rejects one with no tables.
func Decode(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if len(c.Tables) == 0 {
		return nil, ErrNoEntities
	}
	return &c, nil
}

// Entity returns the named entity or nil.
func (c *Catalog) Entity(name string) *Entity {
	for i := range c.Tables {
		if c.Tables[i].TableName == name {
			return &c.Tables[i]
		}
	}
	return nil
}
