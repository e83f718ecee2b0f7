package engine

import (
	"fmt"
	"sync"
)

// PluginArgs is the argument value passed to a plugin's PrepareForStart.
type PluginArgs any

// RequesterPlugin and StoragePlugin are external collaborators that may
// contribute to a stage's Bundle at setup. Registration requires the
// PrepareForStart method, so the resolved plugin's hook always runs; a
// plugin with nothing to contribute returns the bundle unchanged.
type RequesterPlugin interface {
	PrepareForStart(args PluginArgs, bundle Bundle) (Bundle, error)
}

type StoragePlugin interface {
	PrepareForStart(args PluginArgs, bundle Bundle) (Bundle, error)
}

var (
	requesterPluginsMu sync.RWMutex
	requesterPlugins   = map[string]RequesterPlugin{}

	storagePluginsMu sync.RWMutex
	storagePlugins   = map[string]StoragePlugin{}
)

// RegisterRequesterPlugin makes a RequesterPlugin resolvable by identifier.
// Default stage packages and user code alike call this from an init().
func RegisterRequesterPlugin(identifier string, plugin RequesterPlugin) {
	requesterPluginsMu.Lock()
	defer requesterPluginsMu.Unlock()
	requesterPlugins[identifier] = plugin
}

// RegisterStoragePlugin makes a StoragePlugin resolvable by identifier.
func RegisterStoragePlugin(identifier string, plugin StoragePlugin) {
	storagePluginsMu.Lock()
	defer storagePluginsMu.Unlock()
	storagePlugins[identifier] = plugin
}

// ErrUnknownPlugin is returned when a bundle names a plugin identifier with
// no registered implementation. This is a configuration error.
type ErrUnknownPlugin struct {
	Kind       string
	Identifier string
}

func (e *ErrUnknownPlugin) Error() string {
	return fmt.Sprintf("unknown %s plugin %q", e.Kind, e.Identifier)
}

// PluginSpec is the explicit (identifier, args) pair form of the
// requester/storage option, for callers that need to pass args.
type PluginSpec struct {
	Identifier string
	Args       PluginArgs
}

// pluginSpec normalizes the three legal shapes of the requester/storage
// option: absent, a bare identifier, or an (identifier, args) pair.
func pluginSpec(raw any) (identifier string, args PluginArgs, present bool) {
	switch v := raw.(type) {
	case nil:
		return "", nil, false
	case string:
		return v, nil, true
	case PluginSpec:
		return v.Identifier, v.Args, true
	default:
		return "", nil, false
	}
}

// DefaultRequesterIdentifier is used when a downloader bundle names no
// requester option at all. Every downloader needs something to make HTTP
// calls with, so this one has a sane zero-configuration default.
const DefaultRequesterIdentifier = "http"

// DefaultStorageIdentifier is the identifier the default storage plugin
// registers itself under. Unlike the requester, storage has no default
// resolution: resolveStorage only resolves a plugin when the bundle
// actually names one, since not every crawl persists items to a database,
// and requiring one to reach StatusRunning would contradict "all options
// empty" starting cleanly.
const DefaultStorageIdentifier = "mysql"

// resolveRequester reads "requester" from the bundle, defaults it if
// absent, injects the identifier into the bundle's context, and runs the
// plugin's PrepareForStart. A value of any other shape than the three
// pluginSpec accepts is a configuration error.
func resolveRequester(bundle Bundle) (Bundle, error) {
	raw, _ := bundle.Get(BundleKeyRequester)
	identifier, args, present := pluginSpec(raw)
	if raw != nil && !present {
		return nil, &ErrConfiguration{Reason: fmt.Sprintf("malformed requester option of type %T", raw)}
	}
	if !present {
		identifier = DefaultRequesterIdentifier
	}

	bundle = bundle.withContext(map[string]any{BundleKeyRequester: identifier})

	requesterPluginsMu.RLock()
	plugin, ok := requesterPlugins[identifier]
	requesterPluginsMu.RUnlock()
	if !ok {
		return nil, &ErrUnknownPlugin{Kind: "requester", Identifier: identifier}
	}
	return plugin.PrepareForStart(args, bundle)
}

// resolveStorage is symmetric to resolveRequester, but on the "storage"
// option, and merges {storage, storage_options} into the bundle's context
// after the plugin hook runs. Unlike resolveRequester, an absent storage
// option resolves no plugin at all and leaves the bundle untouched: storage
// is opt-in, not defaulted, so an item processor with no storage option
// still reaches StatusRunning with no writer rather than failing setup for
// want of a database it was never asked for.
func resolveStorage(bundle Bundle) (Bundle, error) {
	raw, _ := bundle.Get(BundleKeyStorage)
	identifier, args, present := pluginSpec(raw)
	if raw != nil && !present {
		return nil, &ErrConfiguration{Reason: fmt.Sprintf("malformed storage option of type %T", raw)}
	}
	if !present {
		return bundle, nil
	}

	storagePluginsMu.RLock()
	plugin, ok := storagePlugins[identifier]
	storagePluginsMu.RUnlock()
	if !ok {
		return nil, &ErrUnknownPlugin{Kind: "storage", Identifier: identifier}
	}

	out, err := plugin.PrepareForStart(args, bundle)
	if err != nil {
		return nil, err
	}
	return out.withContext(map[string]any{
		BundleKeyStorage:        identifier,
		BundleKeyStorageOptions: args,
	}), nil
}
