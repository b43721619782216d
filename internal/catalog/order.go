package catalog

// LoadOrder returns the entity names ordered so that every entity appears
// after the entities it references. Self-references are ignored. References
// to entities outside the catalog are dropped rather than blocking their
// owner. On a reference cycle the remaining entities are appended in catalog
// order; ordering never fails, since a partial order still lets the
// execution phase make progress.
func LoadOrder(entities []Entity) []string {
	order, _ := LoadOrderInfo(entities)
	return order
}

// LoadOrderInfo is LoadOrder plus a flag reporting whether a reference cycle
// forced the catalog-order fallback for part of the result.
func LoadOrderInfo(entities []Entity) ([]string, bool) {
	known := make(map[string]bool, len(entities))
	for _, e := range entities {
		known[e.TableName] = true
	}

	deps := make(map[string]map[string]bool, len(entities))
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.TableName)
		d := map[string]bool{}
		for _, fk := range e.ForeignKeys {
			ref := fk.ReferredTable
			if ref == "" || ref == e.TableName || !known[ref] {
				continue
			}
			d[ref] = true
		}
		deps[e.TableName] = d
	}

	ordered := make([]string, 0, len(names))
	placed := make(map[string]bool, len(names))
	remaining := len(names)
	cycle := false
	for remaining > 0 {
		progressed := false
		for _, n := range names {
			if placed[n] {
				continue
			}
			blocked := false
			for ref := range deps[n] {
				if !placed[ref] {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			ordered = append(ordered, n)
			placed[n] = true
			remaining--
			progressed = true
			break
		}
		if !progressed {
			// Cycle: append whatever is left in catalog order.
			cycle = true
			for _, n := range names {
				if !placed[n] {
					ordered = append(ordered, n)
					placed[n] = true
				}
			}
			break
		}
	}
	return ordered, cycle
}
