package engine

import (
	"context"
	"time"
)

// ShutdownBudget bounds how long teardown may take before a supervisor is
// entitled to stop waiting on the Engine's teardown goroutine.
const ShutdownBudget = 60 * time.Second

// crash records a fatal, unrecoverable condition (setup failure already
// goes through a different path in Engine.run; crash is for failures that
// happen after the engine reached StatusRunning, i.e. a control contract
// violation). Status moves straight to StatusTerminating so no caller ever
// observes a status that claims more than the engine actually knows.
func (e *Engine) crash(err error) {
	e.err.Store(err)
	e.setStatus(StatusTerminating)
	e.logger.WithError(err).Error("engine crashed")
	e.registry.ReleaseSpider(e.spider)
}

// handleTerminate runs the four-step teardown sequence. Steps 1-3 run
// synchronously on the mailbox goroutine; step 4 (stopping the three
// stages) is scheduled onto a detached goroutine so the mailbox goroutine
// itself returns immediately rather than waiting on the stages to exit.
func (e *Engine) handleTerminate(reason error) {
	// Step 1: log the reason at a severity matching normal vs abnormal.
	if reason == nil {
		e.logger.Info("engine terminating: normal shutdown")
	} else {
		e.logger.WithError(reason).Warn("engine terminating: abnormal shutdown")
	}

	e.setStatus(StatusTerminating)

	downCtx, cancel := context.WithTimeout(context.Background(), ShutdownBudget)
	defer cancel()

	// Step 2: per stage, run the spider's PrepareForStopComponent, then
	// the stage's own PrepareForStop against its middleware list.
	e.teardownStage(downCtx, StageDownloader, e.state.downloaderRunner, e.state.downloaderBundle)
	e.teardownStage(downCtx, StageSpider, e.state.spiderRunner, e.state.spiderBundle)
	e.teardownStage(downCtx, StageItemProcessor, e.state.itemProcessorRunner, e.state.itemProcessorBundle)

	// Step 3: the spider's overall PrepareForStop, if defined.
	if err := probeStop(e.state.spider); err != nil {
		e.logger.WithError(err).Warn("prepare_for_stop returned an error; continuing teardown")
	}

	// Step 4: asynchronously stop the three stages. The Engine (this
	// goroutine) returns from handleTerminate, and therefore from run,
	// right after scheduling this goroutine — it does not wait for the
	// stages to actually exit.
	go e.stopStages(reason)

	e.registry.ReleaseSpider(e.spider)
}

// teardownStage runs one stage's teardown hooks: the spider's per-stage
// callback first, then the stage's own PipelineHooks over its middleware
// list.
func (e *Engine) teardownStage(ctx context.Context, name StageName, runner StageRunner, bundle Bundle) {
	if err := probeStopComponent(e.state.spider, name, bundle); err != nil {
		e.logger.WithError(err).WithField("stage", name).Warn("prepare_for_stop_component returned an error")
	}
	if runner == nil {
		return
	}
	middleware, _ := bundle.Get(BundleKeyMiddleware)
	list, _ := middleware.([]any)
	if err := runner.PrepareForStop(ctx, list); err != nil {
		e.logger.WithError(err).WithField("stage", name).Warn("stage PrepareForStop returned an error")
	}
}

// stopStages stops the three stage runners. It runs on its own goroutine,
// detached from the mailbox, bounded by ShutdownBudget; the supervisor
// that owns this Engine is responsible for not reaping it before that
// budget elapses (Go has no forced-kill primitive for a goroutine, so
// "bounded" here is advisory rather than enforced — see DESIGN.md).
func (e *Engine) stopStages(reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownBudget)
	defer cancel()

	for _, nr := range []namedRunner{
		{StageDownloader, e.state.downloaderRunner},
		{StageSpider, e.state.spiderRunner},
		{StageItemProcessor, e.state.itemProcessorRunner},
	} {
		if nr.runner == nil {
			continue
		}
		if err := nr.runner.Stop(ctx); err != nil {
			e.logger.WithError(err).WithField("stage", nr.name).Error("stage stop failed")
		}
	}

	if reason != nil {
		e.err.Store(reason)
	}
}
