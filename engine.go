package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Engine is a single long-lived mailbox goroutine per spider. It owns the
// lifecycle, the seven shared tables, and the suspend/continue broadcast to
// the three stages. Callers never touch the Engine's fields directly; all
// interaction goes through the exported methods, which either read the
// atomic status field directly (Status) or send a command to the mailbox
// and wait for its reply (everything else).
type Engine struct {
	spider   SpiderID
	registry *Registry
	logger   *logrus.Entry

	status atomic.Int32

	mailbox chan command
	done    chan struct{}
	err     atomic.Value // error: setup failure, crash, or non-nil Terminate reason

	state *EngineState
}

// EngineState is the data owned exclusively by the Engine's mailbox
// goroutine: the seven table handles, the three finalized bundles, and the
// three started stage runners. Nothing outside the mailbox goroutine reads
// or writes these fields, so they need no lock of their own.
type EngineState struct {
	opts EngineOptions

	tables map[TableRole]*SharedTable

	downloaderBundle    Bundle
	spiderBundle        Bundle
	itemProcessorBundle Bundle

	downloaderRunner    StageRunner
	spiderRunner        StageRunner
	itemProcessorRunner StageRunner

	spider any // the user's spider value, possibly replaced by PrepareForStart
}

// Factories bundles the three StageFactory constructors an Engine needs at
// setup, one per stage, started in order: Downloader, then Spider, then
// ItemProcessor.
type Factories struct {
	Downloader    StageFactory
	Spider        StageFactory
	ItemProcessor StageFactory
}

// Start constructs and launches an Engine for opts.Spider. It returns once
// the mailbox goroutine is alive, before setup (table creation/load, stage
// start) has necessarily completed; setup runs as the goroutine's first
// action, ahead of any control call a caller might already have queued, so
// setup always happens-before the first control message a caller sends.
//
// If opts.Spider is empty, Start fails immediately with ErrConfiguration
// and no goroutine is launched. If another live engine already holds
// opts.Spider, Start fails with ErrDuplicateSpider.
func Start(ctx context.Context, opts EngineOptions, factories Factories, spider any, registry *Registry) (*Engine, error) {
	if opts.Spider == "" {
		return nil, &ErrConfiguration{Reason: "spider is required"}
	}
	if registry == nil {
		registry = DefaultRegistry
	}
	if err := registry.ReserveSpider(opts.Spider); err != nil {
		return nil, err
	}

	e := &Engine{
		spider:   opts.Spider,
		registry: registry,
		logger:   logrus.WithField("spider", string(opts.Spider)),
		mailbox:  make(chan command),
		done:     make(chan struct{}),
		state: &EngineState{
			opts:   opts,
			spider: spider,
		},
	}
	e.status.Store(int32(StatusPreparing))

	go e.run(ctx, factories)

	return e, nil
}

// Status returns the engine's current lifecycle state. It never blocks on
// stage activity or on the mailbox: it is a constant-time atomic read.
func (e *Engine) Status() EngineStatus {
	return EngineStatus(e.status.Load())
}

// Spider returns the SpiderID this engine was started for.
func (e *Engine) Spider() SpiderID { return e.spider }

// Registry returns the Registry this engine publishes its table handles
// into. Callers use it, together with the well-known RegistryKey*
// constants, to seed the downloader's queue with start URLs from outside
// the engine — the same path a spider uses internally to schedule requests
// discovered mid-crawl.
func (e *Engine) Registry() *Registry { return e.registry }

// Done returns a channel closed once the engine's mailbox goroutine has
// exited, whether from a failure during setup, from a crash on a control
// contract violation, or from a completed Terminate. Callers that need to
// observe engine death should select on Done rather than poll Status.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the reason the engine's goroutine exited: the setup error if
// setup failed, or the ErrControlViolation if the engine crashed. After
// Terminate with a non-nil reason, Err returns that reason once the detached
// stage stop has finished. It is nil while the engine is still preparing,
// running, or suspended, and nil after a Terminate(nil).
func (e *Engine) Err() error {
	if v := e.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (e *Engine) setStatus(s EngineStatus) {
	e.status.Store(int32(s))
}

// sendControl delivers cmd to the mailbox and waits for its reply or for
// ctx to be done. A timed-out wait aborts the caller without rolling back
// any partial progress the stages may have made.
func (e *Engine) sendControl(ctx context.Context, which StageControl) error {
	if e.Status() == StatusTerminating {
		return ErrEngineTerminated
	}
	reply := make(chan error, 1)
	select {
	case e.mailbox <- cmdControl{ctx: ctx, which: which, reply: reply}:
	case <-e.done:
		return ErrEngineTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspend broadcasts "suspend" to all three stages and blocks until all
// three acknowledge or ctx is done. Suspend is idempotent: calling it while
// already suspended is a no-op returning nil.
func (e *Engine) Suspend(ctx context.Context) error {
	return e.sendControl(ctx, ControlSuspend)
}

// Continue broadcasts "continue" to all three stages and blocks until all
// three acknowledge or ctx is done. Continue is idempotent: calling it
// while already running is a no-op returning nil.
func (e *Engine) Continue(ctx context.Context) error {
	return e.sendControl(ctx, ControlContinue)
}

// Dump2File snapshots all seven tables to "<fileBase>_<role>.ets". It
// requires the engine to be in StatusSuspend; otherwise it returns
// ErrStatusGate without touching the filesystem or changing any state.
func (e *Engine) Dump2File(ctx context.Context, fileBase string) error {
	return e.dump(ctx, fileBase, false)
}

// Dump2FileForce is identical to Dump2File. It exists as the
// non-interactive entry point: the forced/unforced distinction is a
// user-facing confirmation prompt that belongs to the CLI layer (see
// cmd/scrapyenginectl), not to the Engine's own contract.
func (e *Engine) Dump2FileForce(ctx context.Context, fileBase string) error {
	return e.dump(ctx, fileBase, true)
}

func (e *Engine) dump(ctx context.Context, fileBase string, force bool) error {
	if e.Status() == StatusTerminating {
		return ErrEngineTerminated
	}
	reply := make(chan error, 1)
	select {
	case e.mailbox <- cmdDump{ctx: ctx, fileBase: fileBase, force: force, reply: reply}:
	case <-e.done:
		return ErrEngineTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate asks the engine's teardown sequence to run. It returns once
// teardown has been scheduled, not once it has completed: the remaining
// child shutdown proceeds on its own timeline, bounded by ShutdownBudget.
func (e *Engine) Terminate(reason error) {
	reply := make(chan struct{})
	select {
	case e.mailbox <- cmdTerminate{reason: reason, reply: reply}:
		<-reply
	case <-e.done:
		// Already gone; nothing to schedule.
	}
}

func (e *Engine) run(ctx context.Context, factories Factories) {
	defer close(e.done)

	if err := e.startComponents(ctx, factories); err != nil {
		e.err.Store(fmt.Errorf("setup: %w", err))
		e.logger.WithError(err).Error("engine setup failed, engine will not start")
		e.registry.ReleaseSpider(e.spider)
		return
	}
	e.setStatus(StatusRunning)
	e.logger.Info("engine running")

	for cmd := range e.mailbox {
		if !e.handle(ctx, cmd) {
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, cmd command) bool {
	switch c := cmd.(type) {
	case cmdControl:
		err := e.handleControl(c.ctx, c.which)
		c.reply <- err
		if violation, ok := err.(*ErrControlViolation); ok {
			// A stage that doesn't ack suspend/continue is fatal. Crash
			// rather than leave Status claiming a state no stage actually
			// confirmed.
			e.crash(violation)
			return false
		}
		return true
	case cmdDump:
		c.reply <- e.handleDump(c.ctx, c.fileBase, c.force)
		return true
	case cmdTerminate:
		e.handleTerminate(c.reason)
		close(c.reply)
		return false
	default:
		e.logger.Warnf("unsupported control message: %T", cmd)
		return true
	}
}
