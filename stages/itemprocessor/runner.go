package itemprocessor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siskinc/scrapyengine"
	"github.com/siskinc/scrapyengine/plugin/storage"
)

// Option keys read from the item processor's Bundle, beyond the
// framework's own reserved keys.
const (
	OptionWorkerNumber = "worker_number"
	OptionPollInterval = "poll_interval"
)

// Row is implemented by items that know how to flatten themselves into a
// positional column list for the storage plugin's Writer. Items that don't
// implement it are processed by the pipeline chain but never persisted.
type Row interface {
	Row() []any
}

// Runner is the default ItemProcessor StageRunner.
type Runner struct {
	queue     *engine.SharedTable // this stage's own tid
	pipelines []ItemPipeline
	writer    *storage.Writer
	workers   int
	pollEvery time.Duration

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}
	active  sync.WaitGroup // in-flight item processing; Control(ControlSuspend) waits on this

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds an engine.StageFactory for the default item processor.
func New() engine.StageFactory {
	return func(ctx context.Context, bundle engine.Bundle) (engine.StageRunner, error) {
		queue, ok := engine.TableFromBundle(bundle, engine.BundleKeyTID)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "item_processor: tid table unavailable"}
		}

		r := &Runner{
			queue:     queue,
			workers:   optInt(bundle, OptionWorkerNumber, 2),
			pollEvery: optDuration(bundle, OptionPollInterval, 200*time.Millisecond),
			resume:    make(chan struct{}),
			stop:      make(chan struct{}),
		}
		close(r.resume)

		if mw, ok := bundle.Get(engine.BundleKeyMiddleware); ok {
			if list, ok := mw.([]any); ok {
				for _, m := range list {
					if p, ok := m.(ItemPipeline); ok {
						r.pipelines = append(r.pipelines, p)
					}
				}
			}
		}
		if w, ok := bundle.Get(storage.BundleKeyWriter); ok {
			if writer, ok := w.(*storage.Writer); ok {
				r.writer = writer
			}
		}

		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
		return r, nil
	}
}

func optInt(bundle engine.Bundle, key string, def int) int {
	if v, ok := bundle.Get(key); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return def
}

func optDuration(bundle engine.Bundle, key string, def time.Duration) time.Duration {
	if v, ok := bundle.Get(key); ok {
		if d, ok := v.(time.Duration); ok {
			return d
		}
	}
	return def
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		r.pauseMu.Lock()
		resume := r.resume
		r.pauseMu.Unlock()

		select {
		case <-r.stop:
			return
		case <-resume:
		}

		r.pauseMu.Lock()
		if r.paused {
			r.pauseMu.Unlock()
			continue
		}
		r.active.Add(1)
		r.pauseMu.Unlock()

		_, value, ok := r.queue.PopAny()
		if !ok {
			r.active.Done()
			select {
			case <-r.stop:
				return
			case <-r.queue.Signal():
			case <-time.After(r.pollEvery):
			}
			continue
		}
		r.process(value)
		r.active.Done()
	}
}

func (r *Runner) process(item any) {
	for _, p := range r.pipelines {
		if err := p.ProcessItem(item); err != nil {
			if !errors.Is(err, DropItem) {
				logrus.WithError(err).Error("item_processor: pipeline rejected item")
			}
			return
		}
	}
	if r.writer == nil {
		return
	}
	row, ok := item.(Row)
	if !ok {
		return
	}
	r.writer.Write(row.Row())
}

// Control pauses or resumes the processing worker pool. Suspend does not
// return until every worker has stopped pulling new items from the queue
// AND every item already being processed has cleared the pipeline chain
// (and, if kept, been written): a caller that dumps the tables right after
// Suspend acknowledges must see a state no worker can still mutate.
func (r *Runner) Control(ctx context.Context, cmd engine.StageControl) error {
	r.pauseMu.Lock()
	switch cmd {
	case engine.ControlSuspend:
		if r.paused {
			r.pauseMu.Unlock()
			return nil
		}
		r.paused = true
		r.resume = make(chan struct{})
		r.pauseMu.Unlock()
		return r.waitQuiesced(ctx)
	case engine.ControlContinue:
		if !r.paused {
			r.pauseMu.Unlock()
			return nil
		}
		r.paused = false
		close(r.resume)
		r.pauseMu.Unlock()
		return nil
	default:
		r.pauseMu.Unlock()
		return &engine.ErrConfiguration{Reason: "item_processor: unsupported control"}
	}
}

// waitQuiesced blocks until every worker that had already started
// processing an item when paused was set has finished, or ctx expires
// first.
func (r *Runner) waitQuiesced(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PrepareForStop satisfies engine.PipelineHooks. A pipeline stage that
// needs to flush or close resources implements io.Closer; PrepareForStop
// probes for it rather than adding a bespoke method to ItemPipeline.
func (r *Runner) PrepareForStop(ctx context.Context, middleware []any) error {
	for _, p := range r.pipelines {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logrus.WithError(err).Error("item_processor: pipeline close failed")
			}
		}
	}
	return nil
}

// Stop halts all workers and closes the storage writer, if any, waiting for
// in-flight processing to drain or ctx to expire, whichever comes first.
func (r *Runner) Stop(ctx context.Context) error {
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.writer != nil {
		return r.writer.Close()
	}
	return nil
}
