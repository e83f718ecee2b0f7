package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// startComponents runs the eight-step setup sequence: load or create
// tables, publish their handles, build each stage's bundle, resolve
// plugins, probe per-stage start hooks, launch the three stages, persist
// the finalized state, then probe the spider's own start hook. It executes
// as the first thing Engine.run does on its own goroutine, so any control
// call a caller queued before Start returned is naturally serialized
// behind it.
func (e *Engine) startComponents(ctx context.Context, factories Factories) error {
	opts := e.state.opts

	// Step 1: load or create the seven tables.
	tables, handles, err := e.loadOrCreateTables(opts.LoadFromFile)
	if err != nil {
		return err
	}
	e.state.tables = tables
	for role, h := range handles {
		e.registry.RegisterTable(e.spider, h, tables[role])
	}

	// Step 2: publish the four stage/common-pipeline handles to the
	// registry under (spider, <role>_tid).
	e.registry.Publish(e.spider, RegistryKeyCommonPipelineTID, handles[RoleCommonPipeline])
	e.registry.Publish(e.spider, RegistryKeyDownloaderTID, handles[RoleDownloader])
	e.registry.Publish(e.spider, RegistryKeySpiderTID, handles[RoleSpider])
	e.registry.Publish(e.spider, RegistryKeyItemProcessorTID, handles[RoleItemProcessor])

	// Step 3: build each stage's bundle (framework prefix + user overrides).
	downloaderBundle := Concat(e.stagePrefix(handles, RoleDownloader, RoleDownloaderPipeline, RoleSpider), opts.DownloaderOptions)
	spiderBundle := Concat(e.stagePrefix(handles, RoleSpider, RoleSpiderPipeline, RoleItemProcessor), opts.SpiderOptions)
	itemProcessorBundle := Concat(e.stagePrefix(handles, RoleItemProcessor, RoleItemProcessorPipeline, ""), opts.ItemProcessorOptions)

	// Step 4: resolve the requester/storage plugins.
	downloaderBundle, err = resolveRequester(downloaderBundle)
	if err != nil {
		return err
	}
	itemProcessorBundle, err = resolveStorage(itemProcessorBundle)
	if err != nil {
		return err
	}

	// Step 5: run the spider's PrepareForStartComponent hook per stage.
	downloaderBundle, err = probeStartComponent(e.state.spider, StageDownloader, downloaderBundle)
	if err != nil {
		return err
	}
	spiderBundle, err = probeStartComponent(e.state.spider, StageSpider, spiderBundle)
	if err != nil {
		return err
	}
	itemProcessorBundle, err = probeStartComponent(e.state.spider, StageItemProcessor, itemProcessorBundle)
	if err != nil {
		return err
	}

	// Step 6: start the three stages, in order, synchronously.
	downloaderRunner, err := factories.Downloader(ctx, downloaderBundle)
	if err != nil {
		return &ErrStageStart{Stage: StageDownloader, Cause: err}
	}
	spiderRunner, err := factories.Spider(ctx, spiderBundle)
	if err != nil {
		return &ErrStageStart{Stage: StageSpider, Cause: err}
	}
	itemProcessorRunner, err := factories.ItemProcessor(ctx, itemProcessorBundle)
	if err != nil {
		return &ErrStageStart{Stage: StageItemProcessor, Cause: err}
	}

	// Step 7: persist child identifiers and finalized bundles.
	e.state.downloaderBundle = downloaderBundle
	e.state.spiderBundle = spiderBundle
	e.state.itemProcessorBundle = itemProcessorBundle
	e.state.downloaderRunner = downloaderRunner
	e.state.spiderRunner = spiderRunner
	e.state.itemProcessorRunner = itemProcessorRunner
	// Status transitions to StatusRunning in Engine.run, once
	// startComponents returns successfully.

	// Step 8: run the spider's PrepareForStart hook, adopting any
	// replacement value it returns.
	newSpider, err := probeStart(e.state.spider)
	if err != nil {
		return fmt.Errorf("prepare_for_start: %w", err)
	}
	e.state.spider = newSpider

	return nil
}

// loadOrCreateTables implements setup step 1. On a fresh start it creates
// seven empty tables; given EngineOptions.LoadFromFile, it instead loads
// them from "<base>_<role>.ets", failing setup and naming the offending
// file if any one load fails its integrity check.
func (e *Engine) loadOrCreateTables(loadFromFile string) (map[TableRole]*SharedTable, map[TableRole]TableHandle, error) {
	tables := make(map[TableRole]*SharedTable, len(Roles))
	handles := make(map[TableRole]TableHandle, len(Roles))

	if loadFromFile == "" {
		for _, role := range Roles {
			t := NewTable(role)
			tables[role] = t
			handles[role] = newTableHandle()
		}
		return tables, handles, nil
	}

	loaded, err := loadAllTables(loadFromFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load_from_file: %w", err)
	}
	for _, role := range Roles {
		tables[role] = loaded[role]
		handles[role] = newTableHandle()
	}
	return tables, handles, nil
}

// stagePrefix builds the framework-supplied prefix for one stage's bundle:
// spider, tid, common_pipeline_tid, pipeline_tid, and next_tid (omitted
// when nextRole is empty, as for ItemProcessor, which has no downstream
// stage).
func (e *Engine) stagePrefix(handles map[TableRole]TableHandle, tid, pipelineRole, nextRole TableRole) Bundle {
	prefix := Bundle{
		{Key: BundleKeySpider, Value: e.spider},
		{Key: BundleKeyTID, Value: handles[tid]},
		{Key: BundleKeyCommonPipelineTID, Value: handles[RoleCommonPipeline]},
		{Key: BundleKeyPipelineTID, Value: handles[pipelineRole]},
		{Key: BundleKeyRegistry, Value: e.registry},
	}
	if nextRole != "" {
		prefix = append(prefix, Option{Key: BundleKeyNextTID, Value: handles[nextRole]})
	}
	return prefix
}

// handleControl implements the suspend/continue broadcast. It is
// idempotent: suspending an already-suspended engine (or continuing an
// already-running one) is a no-op that returns nil without touching any
// stage.
func (e *Engine) handleControl(ctx context.Context, which StageControl) error {
	cur := e.Status()
	if which == ControlSuspend && cur == StatusSuspend {
		return nil
	}
	if which == ControlContinue && cur == StatusRunning {
		return nil
	}

	if err := broadcastControl(ctx, which, e.state.downloaderRunner, e.state.spiderRunner, e.state.itemProcessorRunner); err != nil {
		return err
	}

	if which == ControlSuspend {
		e.setStatus(StatusSuspend)
		e.logger.Info("engine suspended")
	} else {
		e.setStatus(StatusRunning)
		e.logger.Info("engine resumed")
	}
	return nil
}

// handleDump implements Dump2File/Dump2FileForce. force has no effect on
// the Engine's own behavior: the forced/non-forced distinction is a
// user-facing confirmation prompt that belongs to the caller, not the
// Engine.
func (e *Engine) handleDump(ctx context.Context, fileBase string, force bool) error {
	_ = force
	if e.Status() != StatusSuspend {
		return ErrStatusGate
	}
	if fileBase == "" {
		fileBase = defaultDumpBase(e.spider)
	}
	return dumpAllTables(fileBase, e.state.tables)
}

// defaultDumpBase derives "./data/<spider>_<unix_seconds>" when the caller
// doesn't name a dump file explicitly.
func defaultDumpBase(spider SpiderID) string {
	return filepath.Join(dumpDir, fmt.Sprintf("%s_%d", spider, time.Now().Unix()))
}

const dumpDir = "data"
