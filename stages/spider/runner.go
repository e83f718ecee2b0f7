package spider

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siskinc/scrapyengine"
	"github.com/siskinc/scrapyengine/stages/downloader"
)

// Option keys read from the spider's Bundle, beyond the framework's own
// reserved keys.
const (
	OptionWorkerNumber = "worker_number"
	OptionPollInterval = "poll_interval"
)

// Runner is the default Spider StageRunner.
type Runner struct {
	spider    Spider
	responses *engine.SharedTable // this stage's own tid
	ctx       *ParseContext
	workers   int
	pollEvery time.Duration

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}
	active  sync.WaitGroup // in-flight Parse calls; Control(ControlSuspend) waits on this

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds an engine.StageFactory for the default spider stage. spider is
// the user's parsing logic; it is supplied directly rather than resolved
// from the bundle, since unlike the downloader and item processor there is
// no sensible library default for "how to parse a page."
func New(spider Spider) engine.StageFactory {
	return func(ctx context.Context, bundle engine.Bundle) (engine.StageRunner, error) {
		responses, ok := engine.TableFromBundle(bundle, engine.BundleKeyTID)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "spider: tid table unavailable"}
		}
		items, ok := engine.TableFromBundle(bundle, engine.BundleKeyNextTID)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "spider: next_tid table unavailable"}
		}
		registry, ok := engine.RegistryFromBundle(bundle)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "spider: registry unavailable"}
		}
		spiderID, _ := bundle.Get(engine.BundleKeySpider)
		downloaderHandle, ok := registry.Lookup(spiderID.(engine.SpiderID), engine.RegistryKeyDownloaderTID)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "spider: downloader_tid not published"}
		}
		downloaderQueue, ok := registry.Table(downloaderHandle)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "spider: downloader table unresolvable"}
		}

		r := &Runner{
			spider:    spider,
			responses: responses,
			ctx:       &ParseContext{items: items, downloader: downloaderQueue},
			workers:   optInt(bundle, OptionWorkerNumber, 4),
			pollEvery: optDuration(bundle, OptionPollInterval, 200*time.Millisecond),
			resume:    make(chan struct{}),
			stop:      make(chan struct{}),
		}
		close(r.resume)

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

		_, value, ok := r.responses.PopAny()
		if !ok {
			r.active.Done()
			select {
			case <-r.stop:
				return
			case <-r.responses.Signal():
			case <-time.After(r.pollEvery):
			}
			continue
		}
		resp, ok := value.(*downloader.Response)
		if !ok {
			r.active.Done()
			continue
		}
		r.parse(resp)
		r.active.Done()
	}
}

func (r *Runner) parse(resp *downloader.Response) {
	defer func() {
		if err := recover(); err != nil {
			logrus.Errorf("spider: panic parsing %s: %v", resp.HTTPResponse.Request.URL, err)
		}
	}()
	r.spider.Parse(r.ctx, resp)
}

// Control pauses or resumes the parse worker pool. Suspend does not return
// until every worker has stopped pulling new responses from the queue AND
// every Parse call already in flight has returned: a caller that dumps the
// tables right after Suspend acknowledges must see a state no worker can
// still mutate (an in-flight Parse may still be about to EmitItem or
// ScheduleRequest).
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
		return &engine.ErrConfiguration{Reason: "spider: unsupported control"}
	}
}

// waitQuiesced blocks until every worker that had already started a parse
// when paused was set has finished it, or ctx expires first.
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

// PrepareForStop satisfies engine.PipelineHooks; the default spider stage
// carries no middleware of its own.
func (r *Runner) PrepareForStop(ctx context.Context, middleware []any) error {
	return nil
}

// Stop halts all parse workers, waiting for in-flight Parse calls to return
// or ctx to expire, whichever comes first.
func (r *Runner) Stop(ctx context.Context) error {
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
