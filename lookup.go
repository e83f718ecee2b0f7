package engine

// RegistryFromBundle returns the Registry the Engine injected into bundle,
// which a StageFactory needs to dereference its own tid/next_tid/
// pipeline_tid handles into SharedTables.
func RegistryFromBundle(bundle Bundle) (*Registry, bool) {
	v, ok := bundle.Get(BundleKeyRegistry)
	if !ok {
		return nil, false
	}
	r, ok := v.(*Registry)
	return r, ok
}

// TableFromBundle resolves the TableHandle stored under key in bundle back
// to its SharedTable, using the registry also carried on bundle. It is a
// convenience for StageFactory implementations over calling
// RegistryFromBundle and Registry.Table separately.
func TableFromBundle(bundle Bundle, key string) (*SharedTable, bool) {
	registry, ok := RegistryFromBundle(bundle)
	if !ok {
		return nil, false
	}
	v, ok := bundle.Get(key)
	if !ok {
		return nil, false
	}
	handle, ok := v.(TableHandle)
	if !ok {
		return nil, false
	}
	return registry.Table(handle)
}
