package engine

import (
	"fmt"
	"sync"
)

// registryKey is the (spider, key) pair the Registry is scoped by.
type registryKey struct {
	spider SpiderID
	key    string
}

// Registry is the process-wide name-to-handle directory: stages locate
// shared tables by (spider, key) instead of holding direct references.
// Entries are created during setup and removed when an engine's teardown
// releases its spider reservation.
type Registry struct {
	mu           sync.RWMutex
	handles      map[registryKey]TableHandle
	spiders      map[SpiderID]bool
	tables       map[TableHandle]*SharedTable
	spiderTables map[SpiderID][]TableHandle
}

// NewRegistry constructs an empty registry. Most callers use the
// package-level DefaultRegistry instead of constructing their own, but
// tests that need isolation can build one directly.
func NewRegistry() *Registry {
	return &Registry{
		handles:      make(map[registryKey]TableHandle),
		spiders:      make(map[SpiderID]bool),
		tables:       make(map[TableHandle]*SharedTable),
		spiderTables: make(map[SpiderID][]TableHandle),
	}
}

// DefaultRegistry is the process-wide registry used by Start when its
// registry argument is nil.
var DefaultRegistry = NewRegistry()

// ErrDuplicateSpider is returned by ReserveSpider when the given SpiderID
// already names a live engine.
type ErrDuplicateSpider struct {
	Spider SpiderID
}

func (e *ErrDuplicateSpider) Error() string {
	return fmt.Sprintf("engine for spider %q already running", e.Spider)
}

// ReserveSpider claims spider for the caller's Engine, returning
// ErrDuplicateSpider if another live engine already holds it. This is what
// prevents two engines for the same SpiderID from running concurrently.
func (r *Registry) ReserveSpider(spider SpiderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spiders[spider] {
		return &ErrDuplicateSpider{Spider: spider}
	}
	r.spiders[spider] = true
	return nil
}

// ReleaseSpider frees spider's reservation and drops its tables, called
// from teardown. Once the Engine goroutine that owned those tables stops,
// nothing else keeps them reachable and they become eligible for garbage
// collection.
func (r *Registry) ReleaseSpider(spider SpiderID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spiders, spider)
	for k := range r.handles {
		if k.spider == spider {
			delete(r.handles, k)
		}
	}
	for _, h := range r.spiderTables[spider] {
		delete(r.tables, h)
	}
	delete(r.spiderTables, spider)
}

// Publish records handle under (spider, key).
func (r *Registry) Publish(spider SpiderID, key string, handle TableHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[registryKey{spider: spider, key: key}] = handle
}

// Lookup returns the handle published under (spider, key), if any.
func (r *Registry) Lookup(spider SpiderID, key string) (TableHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[registryKey{spider: spider, key: key}]
	return h, ok
}

// RegisterTable associates handle with the in-memory table it names. Every
// table an Engine creates or loads is registered here, not only the four
// roles that get named registry keys, so that a Bundle's
// tid/pipeline_tid/next_tid values can be dereferenced directly by whatever
// stage receives them, without going through the name registry.
func (r *Registry) RegisterTable(spider SpiderID, handle TableHandle, table *SharedTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[handle] = table
	r.spiderTables[spider] = append(r.spiderTables[spider], handle)
}

// Table resolves a handle minted by this registry's Engine back to its
// SharedTable.
func (r *Registry) Table(handle TableHandle) (*SharedTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[handle]
	return t, ok
}

// Registry key names under which the four stage/common-pipeline table
// handles are published, scoped by spider.
const (
	RegistryKeyCommonPipelineTID = "common_pipeline_tid"
	RegistryKeyDownloaderTID     = "downloader_tid"
	RegistryKeySpiderTID         = "spider_tid"
	RegistryKeyItemProcessorTID  = "item_processor_tid"
)
