package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Fingerprint digests the structural identity of a set of entities: name,
// row count, column-name sequence, primary key, and foreign-key signature,
// with entities sorted by name. Two snapshots that differ only in entity
// order produce the same fingerprint; any structural change produces a
// different one. Column order within an entity is part of the identity and
// is preserved.
func Fingerprint(entities []Entity) string {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TableName < sorted[j].TableName })

	type fkSig struct {
		ReferredTable      string   `json:"rt"`
		ConstrainedColumns []string `json:"cc"`
		ReferredColumns    []string `json:"rc"`
	}
	type entitySig struct {
		Name        string   `json:"n"`
		RowCount    int64    `json:"r"`
		Columns     []string `json:"c"`
		PrimaryKey  []string `json:"pk"`
		ForeignKeys []fkSig  `json:"fk"`
	}

	sigs := make([]entitySig, 0, len(sorted))
	for _, e := range sorted {
		cols := make([]string, 0, len(e.Columns))
		for _, c := range e.Columns {
			cols = append(cols, c.Name)
		}
		fks := make([]fkSig, 0, len(e.ForeignKeys))
		for _, fk := range e.ForeignKeys {
			fks = append(fks, fkSig{
				ReferredTable:      fk.ReferredTable,
				ConstrainedColumns: fk.ConstrainedColumns,
				ReferredColumns:    fk.ReferredColumns,
			})
		}
		sigs = append(sigs, entitySig{
			Name:        e.TableName,
			RowCount:    e.RowCount,
			Columns:     cols,
			PrimaryKey:  e.PrimaryKey,
			ForeignKeys: fks,
		})
	}

	b, err := json.Marshal(sigs)
	if err != nil {
		// Marshal of plain structs cannot fail; keep the fingerprint total anyway.
		return fmt.Sprintf("unmarshalable:%d", len(sigs))
	}
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

// Stability advances the consecutive-agreement counter for one discovery
// round. A fingerprint matching the previous round extends the streak; a
// mismatch (or a first round with no previous fingerprint) restarts it at 1.
// The snapshot is stable once the streak reaches required rounds.
func Stability(current, previous string, streak, required int) (stable bool, newStreak int) {
	if previous != "" && current == previous {
		newStreak = streak + 1
	} else {
		newStreak = 1
	}
	return newStreak >= required, newStreak
}
