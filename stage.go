package engine

import "context"

// Well-known Bundle keys the Engine passes to every stage.
const (
	BundleKeySpider            = "spider"
	BundleKeyTID               = "tid"
	BundleKeyCommonPipelineTID = "common_pipeline_tid"
	BundleKeyPipelineTID       = "pipeline_tid"
	BundleKeyNextTID           = "next_tid"
	BundleKeyContext           = "context"
	BundleKeyMiddleware        = "middleware"
	BundleKeyRequester         = "requester"
	BundleKeyStorage           = "storage"
	BundleKeyStorageOptions    = "storage_options"
	BundleKeyRegistry          = "registry"
)

// StageControl is the message an Engine broadcasts to a StageRunner's
// control endpoint. Exactly one of these two values is ever sent by the
// Engine itself.
type StageControl int

const (
	ControlSuspend StageControl = iota
	ControlContinue
)

func (c StageControl) String() string {
	if c == ControlSuspend {
		return "suspend"
	}
	return "continue"
}

// PipelineHooks is the per-stage middleware lifecycle contract:
// PrepareForStop is invoked during teardown against the stage's configured
// middleware list, before the stage itself is stopped.
type PipelineHooks interface {
	PrepareForStop(ctx context.Context, middleware []any) error
}

// StageRunner is the contract each of the three pipeline stages must
// satisfy. A conforming implementation must not mutate its own tid or any
// downstream next_tid while suspended, and must not return from Control
// until it has actually quiesced (on ControlSuspend) or resumed (on
// ControlContinue).
//
// Returning a non-nil error from Control is a control contract violation:
// the Engine treats it as fatal rather than as "this stage is still
// running." StageRunner embeds PipelineHooks because, in practice, the
// stage that owns a middleware list is the only thing that can
// meaningfully prepare that list to stop; a stage with no middleware
// embeds NopPipelineHooks to satisfy the contract trivially.
type StageRunner interface {
	PipelineHooks
	// Control handles a suspend or continue request, blocking until the
	// stage has actually reached the requested state.
	Control(ctx context.Context, cmd StageControl) error
	// Stop tears the stage down. Called once, during Engine teardown,
	// after PrepareForStop has already run against the stage's
	// middleware list.
	Stop(ctx context.Context) error
}

// StageFactory constructs and starts one stage, given its finalized
// Bundle. It must start synchronously: by the time it returns, the stage
// is live and ready to receive Control calls. A non-nil error here aborts
// engine setup.
type StageFactory func(ctx context.Context, bundle Bundle) (StageRunner, error)

// NopPipelineHooks is a PipelineHooks that does nothing, for stages with no
// middleware to notify at teardown.
type NopPipelineHooks struct{}

func (NopPipelineHooks) PrepareForStop(ctx context.Context, middleware []any) error { return nil }
