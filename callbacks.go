package engine

// SpiderCallbacks describes four optional lifecycle hooks a spider value
// may implement. Go has no capability probing on a concrete value the way
// a duck-typed callback object would; the idiomatic equivalent is a set of
// narrow, single-method interfaces that a spider may or may not satisfy.
// The Engine type-asserts for each one individually and calls it only when
// present, so a hook that's absent is simply skipped rather than erroring.
//
// A spider implementing none of these is fully legal: setup and teardown
// still complete using only their own defaults.

// StatePreparer is probed at the end of setup, once tables and stages are
// running. It may return a replacement value for itself, adopted as the
// spider going forward; returning itself unchanged is also legal.
type StatePreparer interface {
	PrepareForStart() (any, error)
}

// ComponentStarter is probed once per stage during setup, after plugin
// resolution and before the stage is started. It may return a modified
// Bundle; returning the bundle unchanged is legal.
type ComponentStarter interface {
	PrepareForStartComponent(component StageName, bundle Bundle) (Bundle, error)
}

// StateStopper is probed during teardown, after all three stages have
// been asked to stop their middleware.
type StateStopper interface {
	PrepareForStop() error
}

// ComponentStopper is probed once per stage during teardown, before
// PipelineHooks.PrepareForStop runs against that stage's middleware list.
type ComponentStopper interface {
	PrepareForStopComponent(component StageName, bundle Bundle) error
}

// StageName identifies one of the three pipeline stages to a
// ComponentStarter/ComponentStopper callback.
type StageName string

const (
	StageDownloader    StageName = "downloader"
	StageSpider        StageName = "spider"
	StageItemProcessor StageName = "item_processor"
)

// probeStart runs PrepareForStart if spider implements StatePreparer,
// returning the (possibly replaced) spider value.
func probeStart(spider any) (any, error) {
	if p, ok := spider.(StatePreparer); ok {
		return p.PrepareForStart()
	}
	return spider, nil
}

// probeStartComponent runs PrepareForStartComponent if spider implements
// ComponentStarter, returning the (possibly modified) bundle.
func probeStartComponent(spider any, component StageName, bundle Bundle) (Bundle, error) {
	if p, ok := spider.(ComponentStarter); ok {
		return p.PrepareForStartComponent(component, bundle)
	}
	return bundle, nil
}

// probeStop runs PrepareForStop if spider implements StateStopper.
func probeStop(spider any) error {
	if p, ok := spider.(StateStopper); ok {
		return p.PrepareForStop()
	}
	return nil
}

// probeStopComponent runs PrepareForStopComponent if spider implements
// ComponentStopper.
func probeStopComponent(spider any, component StageName, bundle Bundle) error {
	if p, ok := spider.(ComponentStopper); ok {
		return p.PrepareForStopComponent(component, bundle)
	}
	return nil
}
