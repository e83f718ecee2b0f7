package engine

import "sync"

// TableRole names one of the seven tables an Engine owns. Exactly these
// seven roles exist, in no particular order.
type TableRole string

const (
	RoleDownloader            TableRole = "downloader"
	RoleSpider                TableRole = "spider"
	RoleItemProcessor         TableRole = "item_processor"
	RoleCommonPipeline        TableRole = "common_pipeline"
	RoleDownloaderPipeline    TableRole = "downloader_pipeline"
	RoleSpiderPipeline        TableRole = "spider_pipeline"
	RoleItemProcessorPipeline TableRole = "item_processor_pipeline"
)

// Roles lists all seven roles in a fixed, stable order, used by dump/load
// and by setup to create/publish tables deterministically.
var Roles = []TableRole{
	RoleDownloader,
	RoleSpider,
	RoleItemProcessor,
	RoleCommonPipeline,
	RoleDownloaderPipeline,
	RoleSpiderPipeline,
	RoleItemProcessorPipeline,
}

// dataRoles lists the three stage tables. Nothing reads it: stage and
// pipeline tables are built identically (see SharedTable).
var dataRoles = map[TableRole]bool{
	RoleDownloader:    true,
	RoleSpider:        true,
	RoleItemProcessor: true,
}

const tableShardCount = 16

// SharedTable is a concurrent key/value store, one per pipeline stage or
// middleware scope. It is built as a sharded map: each shard carries its
// own sync.RWMutex so readers on different shards never contend, and
// pipeline-role tables (read on every element flowing through a stage) get
// extra read-concurrency simply by virtue of RWMutex favoring concurrent
// readers.
type SharedTable struct {
	role   TableRole
	shards [tableShardCount]*tableShard
	signal chan struct{}
}

type tableShard struct {
	mu   sync.RWMutex
	data map[string]any
}

// Entry is one key/value pair, used by table_io.go's dump/load container and
// by Range.
type Entry struct {
	Key   string
	Value any
}

// NewTable creates an empty table for the given role.
func NewTable(role TableRole) *SharedTable {
	t := &SharedTable{role: role, signal: make(chan struct{}, 1)}
	for i := range t.shards {
		t.shards[i] = &tableShard{data: make(map[string]any)}
	}
	return t
}

// Signal returns a channel that receives a value shortly after an entry is
// Set into the table. It is buffered to depth one and meant to be selected
// on alongside a context's Done channel by a stage treating this table as a
// work queue, so the stage can block between polls instead of busy-waiting.
// A missed signal is harmless: PopAny is always safe to call speculatively.
func (t *SharedTable) Signal() <-chan struct{} {
	return t.signal
}

func (t *SharedTable) notify() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// PopAny removes and returns one arbitrary entry from the table. Stage
// runners use it to treat a table as a work queue: push new work with Set,
// drain it with PopAny. It returns ok=false once the table is empty.
func (t *SharedTable) PopAny() (key string, value any, ok bool) {
	for _, shard := range t.shards {
		shard.mu.Lock()
		for k, v := range shard.data {
			delete(shard.data, k)
			shard.mu.Unlock()
			return k, v, true
		}
		shard.mu.Unlock()
	}
	return "", nil, false
}

func (t *SharedTable) shardFor(key string) *tableShard {
	h := fnv32(key)
	return t.shards[h%tableShardCount]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Role reports which of the seven roles this table plays.
func (t *SharedTable) Role() TableRole { return t.role }

// Set stores value under key, overwriting any prior value.
func (t *SharedTable) Set(key string, value any) {
	shard := t.shardFor(key)
	shard.mu.Lock()
	shard.data[key] = value
	shard.mu.Unlock()
	t.notify()
}

// Get returns the value stored under key, if any.
func (t *SharedTable) Get(key string) (any, bool) {
	shard := t.shardFor(key)
	shard.mu.RLock()
	v, ok := shard.data[key]
	shard.mu.RUnlock()
	return v, ok
}

// Delete removes key from the table. It is a no-op if key is absent.
func (t *SharedTable) Delete(key string) {
	shard := t.shardFor(key)
	shard.mu.Lock()
	delete(shard.data, key)
	shard.mu.Unlock()
}

// Len returns the total number of entries across all shards.
func (t *SharedTable) Len() int {
	n := 0
	for _, shard := range t.shards {
		shard.mu.RLock()
		n += len(shard.data)
		shard.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry in the table. fn must not call back into
// the table; Range holds each shard's read lock only while copying its
// entries out, not while fn runs, so it is safe to use Range to build a
// snapshot for dumping.
func (t *SharedTable) Range(fn func(key string, value any)) {
	for _, shard := range t.shards {
		shard.mu.RLock()
		snapshot := make([]Entry, 0, len(shard.data))
		for k, v := range shard.data {
			snapshot = append(snapshot, Entry{Key: k, Value: v})
		}
		shard.mu.RUnlock()
		for _, e := range snapshot {
			fn(e.Key, e.Value)
		}
	}
}

// entries returns every entry in the table as a single slice, used by
// table_io.go when building the on-disk container.
func (t *SharedTable) entries() []Entry {
	out := make([]Entry, 0, t.Len())
	t.Range(func(k string, v any) {
		out = append(out, Entry{Key: k, Value: v})
	})
	return out
}

// loadEntries replaces the table's contents with entries, used by
// table_io.go after a successful load. The table must not yet be visible
// to any stage when this is called.
func (t *SharedTable) loadEntries(entries []Entry) {
	for _, e := range entries {
		t.Set(e.Key, e.Value)
	}
}
