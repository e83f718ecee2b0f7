package engine

import "testing"

func TestReserveSpiderRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.ReserveSpider("s1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := r.ReserveSpider("s1")
	if _, ok := err.(*ErrDuplicateSpider); !ok {
		t.Fatalf("expected ErrDuplicateSpider, got %v", err)
	}
}

func TestReleaseSpiderClearsHandlesAndTables(t *testing.T) {
	r := NewRegistry()
	if err := r.ReserveSpider("s1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	handle := NewTableHandle()
	table := NewTable(RoleDownloader)
	r.RegisterTable("s1", handle, table)
	r.Publish("s1", RegistryKeyDownloaderTID, handle)

	r.ReleaseSpider("s1")

	if _, ok := r.Lookup("s1", RegistryKeyDownloaderTID); ok {
		t.Fatal("expected published key to be gone after release")
	}
	if _, ok := r.Table(handle); ok {
		t.Fatal("expected registered table to be gone after release")
	}
	if err := r.ReserveSpider("s1"); err != nil {
		t.Fatalf("expected spider reservation free after release, got %v", err)
	}
}

func TestReleaseSpiderLeavesOtherSpidersAlone(t *testing.T) {
	r := NewRegistry()
	r.ReserveSpider("s1")
	r.ReserveSpider("s2")

	h1 := NewTableHandle()
	h2 := NewTableHandle()
	r.RegisterTable("s1", h1, NewTable(RoleDownloader))
	r.RegisterTable("s2", h2, NewTable(RoleDownloader))
	r.Publish("s1", RegistryKeyDownloaderTID, h1)
	r.Publish("s2", RegistryKeyDownloaderTID, h2)

	r.ReleaseSpider("s1")

	if _, ok := r.Table(h2); !ok {
		t.Fatal("releasing s1 should not drop s2's table")
	}
	if _, ok := r.Lookup("s2", RegistryKeyDownloaderTID); !ok {
		t.Fatal("releasing s1 should not drop s2's published key")
	}
}

func TestPublishAndLookupAreScopedBySpider(t *testing.T) {
	r := NewRegistry()
	h1 := NewTableHandle()
	h2 := NewTableHandle()
	r.Publish("s1", RegistryKeyDownloaderTID, h1)
	r.Publish("s2", RegistryKeyDownloaderTID, h2)

	got1, ok := r.Lookup("s1", RegistryKeyDownloaderTID)
	if !ok || got1 != h1 {
		t.Fatalf("expected s1's handle, got %v ok=%v", got1, ok)
	}
	got2, ok := r.Lookup("s2", RegistryKeyDownloaderTID)
	if !ok || got2 != h2 {
		t.Fatalf("expected s2's handle, got %v ok=%v", got2, ok)
	}

	if _, ok := r.Lookup("s1", RegistryKeySpiderTID); ok {
		t.Fatal("expected no handle published under an unused key")
	}
}

func TestRegisterTableResolvesByHandle(t *testing.T) {
	r := NewRegistry()
	handle := NewTableHandle()
	table := NewTable(RoleItemProcessor)
	r.RegisterTable("s1", handle, table)

	got, ok := r.Table(handle)
	if !ok {
		t.Fatal("expected handle to resolve")
	}
	if got != table {
		t.Fatal("expected the exact table registered under the handle")
	}

	if _, ok := r.Table(NewTableHandle()); ok {
		t.Fatal("expected an unregistered handle to not resolve")
	}
}
