package engine

// Bundle is the ordered list of options handed to a stage at construction.
// It is a slice, not a map, because duplicate-key resolution turns on
// list-scan order: the first occurrence of a key wins.
type Bundle []Option

// Get returns the value of the first entry matching key.
func (b Bundle) Get(key string) (any, bool) {
	for _, opt := range b {
		if opt.Key == key {
			return opt.Value, true
		}
	}
	return nil, false
}

// With returns a copy of b with key set to value, inserted at the end if
// key is not already present. It never mutates b.
func (b Bundle) With(key string, value any) Bundle {
	out := make(Bundle, 0, len(b)+1)
	replaced := false
	for _, opt := range b {
		if opt.Key == key {
			out = append(out, Option{Key: key, Value: value})
			replaced = true
			continue
		}
		out = append(out, opt)
	}
	if !replaced {
		out = append(out, Option{Key: key, Value: value})
	}
	return out
}

// Concat builds a stage's bundle: the framework-supplied prefix is placed
// first, the user-supplied overrides follow. Because Get scans
// front-to-back, prefix keys win on collision for every key the framework
// reserves (spider, tid, next_tid, common_pipeline_tid, pipeline_tid); any
// other duplicate key also resolves to the framework's value under this
// scheme — see DESIGN.md for why that resolution was chosen over override-
// wins.
func Concat(prefix, overrides Bundle) Bundle {
	out := make(Bundle, 0, len(prefix)+len(overrides))
	out = append(out, prefix...)
	out = append(out, overrides...)
	return out
}

// contextValue returns the value under the well-known "context" key,
// creating an empty map-shaped entry if absent. Plugin resolution injects
// resolved plugin identifiers here.
func (b Bundle) contextValue() map[string]any {
	if v, ok := b.Get(BundleKeyContext); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

// withContext returns a copy of b with its "context" entry merged with kv.
func (b Bundle) withContext(kv map[string]any) Bundle {
	ctx := b.contextValue()
	merged := make(map[string]any, len(ctx)+len(kv))
	for k, v := range ctx {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	return b.With(BundleKeyContext, merged)
}
