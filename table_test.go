package engine

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"
)

// testItem stands in for a spider-defined item struct: a concrete type
// placed behind Entry.Value's interface, registered from this package's
// own init() the way a real stage or spider package would register its own
// wire types.
type testItem struct {
	Title string
	Count int
}

func init() {
	gob.Register(&testItem{})
}

func TestSetGetDeleteLen(t *testing.T) {
	tbl := NewTable(RoleDownloader)
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, got len=%d", tbl.Len())
	}

	tbl.Set("a", "1")
	tbl.Set("b", "2")
	if tbl.Len() != 2 {
		t.Fatalf("expected len=2, got %d", tbl.Len())
	}

	v, ok := tbl.Get("a")
	if !ok || v != "1" {
		t.Fatalf("expected a=1, got %v ok=%v", v, ok)
	}

	tbl.Delete("a")
	if _, ok := tbl.Get("a"); ok {
		t.Fatal("expected a to be gone after delete")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected len=1 after delete, got %d", tbl.Len())
	}

	tbl.Delete("nonexistent") // no-op, must not panic
}

func TestRangeVisitsEveryEntry(t *testing.T) {
	tbl := NewTable(RoleSpider)
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		tbl.Set(k, v)
	}

	got := map[string]string{}
	tbl.Range(func(key string, value any) {
		got[key] = value.(string)
	})

	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("entry %q: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestPopAnyDrainsAndSignalsEmpty(t *testing.T) {
	tbl := NewTable(RoleItemProcessor)
	if _, _, ok := tbl.PopAny(); ok {
		t.Fatal("expected PopAny on an empty table to report ok=false")
	}

	tbl.Set("a", "1")
	key, value, ok := tbl.PopAny()
	if !ok || key != "a" || value != "1" {
		t.Fatalf("expected (a, 1, true), got (%q, %v, %v)", key, value, ok)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table empty after PopAny, got len=%d", tbl.Len())
	}
}

func TestSignalFiresOnSet(t *testing.T) {
	tbl := NewTable(RoleDownloader)
	tbl.Set("a", "1")

	select {
	case <-tbl.Signal():
	default:
		t.Fatal("expected a buffered signal after Set")
	}

	// A missed signal is harmless: PopAny still finds the entry.
	if _, _, ok := tbl.PopAny(); !ok {
		t.Fatal("expected PopAny to find the entry regardless of signal consumption")
	}
}

func TestDumpAndLoadAllTablesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "snapshot")

	tables := make(map[TableRole]*SharedTable, len(Roles))
	for _, role := range Roles {
		tables[role] = NewTable(role)
	}
	tables[RoleDownloader].Set("req1", "https://example.test/a")
	tables[RoleSpider].Set("resp1", map[string]any{"status": 200, "url": "https://example.test/a"})
	tables[RoleItemProcessor].Set("item1", &testItem{Title: "a movie", Count: 3})

	if err := dumpAllTables(base, tables); err != nil {
		t.Fatalf("dumpAllTables: %v", err)
	}

	loaded, err := loadAllTables(base)
	if err != nil {
		t.Fatalf("loadAllTables: %v", err)
	}

	for _, role := range Roles {
		want, got := tables[role], loaded[role]
		if got.Role() != role {
			t.Fatalf("loaded table for %s reports role %s", role, got.Role())
		}
		if got.Len() != want.Len() {
			t.Fatalf("role %s: expected len=%d, got %d", role, want.Len(), got.Len())
		}
	}
	v, ok := loaded[RoleDownloader].Get("req1")
	if !ok || v != "https://example.test/a" {
		t.Fatalf("expected req1 to round-trip, got %v ok=%v", v, ok)
	}

	raw, ok := loaded[RoleSpider].Get("resp1")
	if !ok {
		t.Fatal("expected resp1 to round-trip")
	}
	m, ok := raw.(map[string]any)
	if !ok || m["url"] != "https://example.test/a" {
		t.Fatalf("expected resp1's map to round-trip intact, got %#v", raw)
	}

	rawItem, ok := loaded[RoleItemProcessor].Get("item1")
	if !ok {
		t.Fatal("expected item1 to round-trip")
	}
	item, ok := rawItem.(*testItem)
	if !ok || item.Title != "a movie" || item.Count != 3 {
		t.Fatalf("expected item1's registered type to round-trip intact, got %#v", rawItem)
	}
}

func TestLoadTableRejectsCorruptedTrailer(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "snapshot")

	tbl := NewTable(RoleDownloader)
	tbl.Set("a", "1")
	if err := dumpTable(base, tbl); err != nil {
		t.Fatalf("dumpTable: %v", err)
	}

	path := tableFileName(base, RoleDownloader)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dumped file: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("corrupt dumped file: %v", err)
	}

	if _, err := loadTable(base, RoleDownloader); err == nil {
		t.Fatal("expected loadTable to reject a corrupted file")
	} else if _, ok := err.(*ErrIntegrity); !ok {
		t.Fatalf("expected ErrIntegrity, got %v (%T)", err, err)
	}
}

func TestLoadAllTablesFailsOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "missing")

	if _, err := loadAllTables(base); err == nil {
		t.Fatal("expected loadAllTables to fail when no files exist")
	}
}
