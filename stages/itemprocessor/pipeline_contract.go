// Package itemprocessor is the engine's default ItemProcessor stage: it
// drains the items the spider stage produces through a configured chain of
// ItemPipelines, then hands anything that survives the chain to a storage
// plugin, if one resolved.
//
// Open/close and crawler-injection lifecycle methods are deliberately not
// part of this interface: they're subsumed by the engine's own
// ComponentStarter/ComponentStopper probing (callbacks.go) and
// PipelineHooks.PrepareForStop, so a pipeline here only needs to process.
package itemprocessor

import "errors"

// DropItem, returned from ProcessItem, ends that item's trip through the
// remaining pipelines without being treated as an error.
var DropItem = errors.New("drop item")

// ItemPipeline is one stage of item post-processing: validation,
// deduplication, enrichment, or anything else a spider's extracted items
// need before storage.
type ItemPipeline interface {
	ProcessItem(item any) error
}
