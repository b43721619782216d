package catalog

import (
	"errors"
	"strings"
	"testing"
)

func entity(name string, rows int64, cols []string, pk []string, fks ...ForeignKey) Entity {
	e := Entity{TableName: name, RowCount: rows, PrimaryKey: pk, ForeignKeys: fks}
	for _, c := range cols {
		e.Columns = append(e.Columns, Column{Name: c, Type: "text", Nullable: true})
	}
	return e
}

func fk(to string, from, ref []string) ForeignKey {
	return ForeignKey{ReferredTable: to, ConstrainedColumns: from, ReferredColumns: ref}
}

func TestFingerprint_EntityOrderInsensitive(t *testing.T) {
	a := entity("accounts", 10, []string{"id", "name"}, []string{"id"})
	b := entity("orders", 5, []string{"id", "account_id"}, []string{"id"},
		fk("accounts", []string{"account_id"}, []string{"id"}))
	f1 := Fingerprint([]Entity{a, b})
	f2 := Fingerprint([]Entity{b, a})
	if f1 != f2 {
		t.Fatalf("fingerprint changed with entity order:\n%s\n%s", f1, f2)
	}
}

func TestFingerprint_ColumnOrderSignificant(t *testing.T) {
	a := entity("t", 1, []string{"x", "y"}, nil)
	b := entity("t", 1, []string{"y", "x"}, nil)
	if Fingerprint([]Entity{a}) == Fingerprint([]Entity{b}) {
		t.Fatalf("column order must be part of the identity")
	}
}

func TestFingerprint_SensitiveToStructure(t *testing.T) {
	base := entity("t", 7, []string{"id"}, []string{"id"})
	variants := []Entity{
		entity("t", 8, []string{"id"}, []string{"id"}),               // row count
		entity("t", 7, []string{"id", "extra"}, []string{"id"}),      // column added
		entity("t", 7, []string{"id"}, nil),                          // pk dropped
		entity("t", 7, []string{"id"}, []string{"id"}, fk("u", []string{"id"}, []string{"id"})), // fk added
	}
	baseFP := Fingerprint([]Entity{base})
	for i, v := range variants {
		if Fingerprint([]Entity{v}) == baseFP {
			t.Fatalf("variant %d not reflected in fingerprint", i)
		}
	}
}

func TestFingerprint_IgnoresNonStructuralFields(t *testing.T) {
	a := entity("t", 1, []string{"id"}, nil)
	b := entity("t", 1, []string{"id"}, nil)
	b.ColumnSamples = []ColumnSamples{{Column: "id", Samples: []any{1, 2}}}
	b.Columns[0].Type = "integer"
	if Fingerprint([]Entity{a}) != Fingerprint([]Entity{b}) {
		t.Fatalf("samples and column types must not affect the fingerprint")
	}
}

func TestLoadOrder_Chain(t *testing.T) {
	entities := []Entity{
		entity("c", 0, []string{"id"}, nil, fk("b", []string{"b_id"}, []string{"id"})),
		entity("a", 0, []string{"id"}, nil),
		entity("b", 0, []string{"id"}, nil, fk("a", []string{"a_id"}, []string{"id"})),
	}
	got := LoadOrder(entities)
	idx := map[string]int{}
	for i, n := range got {
		idx[n] = i
	}
	if len(got) != 3 {
		t.Fatalf("order: %v", got)
	}
	if !(idx["a"] < idx["b"] && idx["b"] < idx["c"]) {
		t.Fatalf("dependency order violated: %v", got)
	}
}

func TestLoadOrder_SelfReferenceIgnored(t *testing.T) {
	entities := []Entity{
		entity("employees", 0, []string{"id", "manager_id"}, nil,
			fk("employees", []string{"manager_id"}, []string{"id"})),
	}
	got := LoadOrder(entities)
	if len(got) != 1 || got[0] != "employees" {
		t.Fatalf("order: %v", got)
	}
}

func TestLoadOrder_UnknownReferenceIgnored(t *testing.T) {
	entities := []Entity{
		entity("t", 0, []string{"id"}, nil, fk("missing", []string{"x"}, []string{"id"})),
	}
	if got := LoadOrder(entities); len(got) != 1 || got[0] != "t" {
		t.Fatalf("order: %v", got)
	}
}

func TestLoadOrder_CycleTerminates(t *testing.T) {
	entities := []Entity{
		entity("a", 0, []string{"id"}, nil, fk("b", []string{"b_id"}, []string{"id"})),
		entity("b", 0, []string{"id"}, nil, fk("a", []string{"a_id"}, []string{"id"})),
		entity("z", 0, []string{"id"}, nil),
	}
	got, cycle := LoadOrderInfo(entities)
	if len(got) != 3 {
		t.Fatalf("every entity must appear exactly once: %v", got)
	}
	if got[0] != "z" {
		t.Fatalf("unblocked entity should come first: %v", got)
	}
	if !cycle {
		t.Fatal("cycle not reported")
	}
	if _, cycle := LoadOrderInfo(entities[2:]); cycle {
		t.Fatal("acyclic input reported a cycle")
	}
}

func TestDecode_RejectsEmptyCatalog(t *testing.T) {
	_, err := Decode([]byte(`{"database_type":"postgresql","schema":"app","tables":[]}`))
	if !errors.Is(err, ErrNoEntities) {
		t.Fatalf("want ErrNoEntities, got %v", err)
	}
}

func TestValidateDocument(t *testing.T) {
	good := `{
	  "database_type": "postgresql",
	  "schema": "app",
	  "tables": [
	    {"table_name": "accounts", "row_count": 3,
	     "columns": [{"name": "id", "type": "integer", "nullable": false}],
	     "primary_key": ["id"]}
	  ],
	  "relationships": []
	}`
	if err := ValidateDocument([]byte(good)); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}

	cases := []struct {
		name string
		doc  string
	}{
		{"missing tables", `{"database_type":"postgresql","schema":"app"}`},
		{"table without name", `{"database_type":"postgresql","schema":"app","tables":[{"columns":[{"name":"id"}]}]}`},
		{"table without columns", `{"database_type":"postgresql","schema":"app","tables":[{"table_name":"t","columns":[]}]}`},
		{"negative row count", `{"database_type":"postgresql","schema":"app","tables":[{"table_name":"t","row_count":-1,"columns":[{"name":"id"}]}]}`},
		{"fk missing target", `{"database_type":"postgresql","schema":"app","tables":[{"table_name":"t","columns":[{"name":"id"}],"foreign_keys":[{"constrained_columns":["id"],"referred_columns":["id"]}]}]}`},
		{"not json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateDocument([]byte(tc.doc)); err == nil {
				t.Fatalf("invalid document accepted")
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	good := `{
	  "schema": "app",
	  "database": "appdb",
	  "host": "localhost",
	  "tables": [
	    {"table_name": "accounts", "row_count": 3,
	     "columns": [{"name": "id", "type": "integer", "nullable": false}]}
	  ],
	  "relationships": []
	}`
	if err := ValidatePayload([]byte(good)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	cases := []struct {
		name string
		doc  string
	}{
		{"missing tables", `{"schema":"app"}`},
		{"zero-column table", `{"tables":[{"table_name":"t","columns":[]}]}`},
		{"table without name", `{"tables":[{"columns":[{"name":"id"}]}]}`},
		{"negative row count", `{"tables":[{"table_name":"t","row_count":-1,"columns":[{"name":"id"}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidatePayload([]byte(tc.doc)); err == nil {
				t.Fatalf("invalid payload accepted")
			}
		})
	}
}

func TestEntityLookup(t *testing.T) {
	c := &Catalog{Tables: []Entity{entity("a", 0, []string{"id"}, nil)}}
	if c.Entity("a") == nil {
		t.Fatalf("lookup failed")
	}
	if c.Entity("b") != nil {
		t.Fatalf("phantom entity")
	}
	if !strings.Contains(ErrNoEntities.Error(), "no entities") {
		t.Fatalf("sentinel message: %v", ErrNoEntities)
	}
}

func TestStability_CountsConsecutiveAgreement(t *testing.T) {
	prints := []string{"a", "a", "b", "b", "b"}
	wantStreak := []int{1, 2, 1, 2, 3}
	wantStable := []bool{false, false, false, false, true}

	prev := ""
	streak := 0
	for i, fp := range prints {
		stable, next := Stability(fp, prev, streak, 3)
		if next != wantStreak[i] || stable != wantStable[i] {
			t.Fatalf("round %d: got (%v, %d), want (%v, %d)", i+1, stable, next, wantStable[i], wantStreak[i])
		}
		prev, streak = fp, next
	}
}

func TestStability_FirstRoundNeverStableAboveOne(t *testing.T) {
	stable, streak := Stability("a", "", 0, 2)
	if stable || streak != 1 {
		t.Fatalf("got (%v, %d), want (false, 1)", stable, streak)
	}
	stable, streak = Stability("a", "", 0, 1)
	if !stable || streak != 1 {
		t.Fatalf("required=1: got (%v, %d), want (true, 1)", stable, streak)
	}
}
