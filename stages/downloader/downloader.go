// Package downloader is the engine's default Downloader stage: an
// HTTP-fetching worker pool that drains its own tid table as a request
// queue, runs a middleware chain per request/response, de-dupes by request
// fingerprint, retries failed fetches, and forwards successful responses
// into the next stage's table.
package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	"github.com/siskinc/scrapyengine"
	"github.com/siskinc/scrapyengine/plugin/requester"
)

// Request and Response are the two concrete types this package places
// behind a table's interface-typed Entry.Value; gob needs them registered
// before a dump can encode them.
func init() {
	gob.Register(&Request{})
	gob.Register(&Response{})
}

// Middleware mirrors the framework's download middleware contract: a chain
// each request and response passes through before being fetched or
// forwarded. Returning IgnoreRequest/IgnoreResponse drops the item
// silently; any other error is logged and also drops it.
type Middleware interface {
	ProcessRequest(*http.Request) (*http.Request, *http.Response, error)
	ProcessResponse(*http.Response) (*http.Request, *http.Response, error)
}

var (
	IgnoreRequest  = errors.New("ignore this request")
	IgnoreResponse = errors.New("ignore this response")
)

// Option keys read from the downloader's Bundle, beyond the framework's own
// reserved keys.
const (
	OptionRetryMax     = "retry_max"
	OptionRetrySleep   = "retry_sleep"
	OptionWorkerNumber = "worker_number"
	OptionPollInterval = "poll_interval"
)

// Request is one unit of work placed on the downloader's table.
type Request struct {
	HTTPRequest *http.Request
	Config      map[string]any
}

// Response is one fetched page, placed on the next stage's table.
type Response struct {
	HTTPResponse *http.Response
	Config       map[string]any
}

// Runner is the default Downloader StageRunner.
type Runner struct {
	client      *http.Client
	middlewares []Middleware
	retryMax    int
	retrySleep  time.Duration
	workers     int
	pollEvery   time.Duration

	queue *engine.SharedTable // this stage's own tid: pending *Request entries
	next  *engine.SharedTable // next_tid: where fetched *Response entries go

	seen mapset.Set // in-memory fingerprint cache, mirrored by the table itself

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}
	active  sync.WaitGroup // in-flight fetches; Control(ControlSuspend) waits on this

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds an engine.StageFactory for the default downloader.
func New() engine.StageFactory {
	return func(ctx context.Context, bundle engine.Bundle) (engine.StageRunner, error) {
		queue, ok := engine.TableFromBundle(bundle, engine.BundleKeyTID)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "downloader: tid table unavailable"}
		}
		next, ok := engine.TableFromBundle(bundle, engine.BundleKeyNextTID)
		if !ok {
			return nil, &engine.ErrConfiguration{Reason: "downloader: next_tid table unavailable"}
		}

		r := &Runner{
			client:     http.DefaultClient,
			retryMax:   optInt(bundle, OptionRetryMax, 3),
			retrySleep: optDuration(bundle, OptionRetrySleep, 0),
			workers:    optInt(bundle, OptionWorkerNumber, 4),
			pollEvery:  optDuration(bundle, OptionPollInterval, 200*time.Millisecond),
			queue:      queue,
			next:       next,
			seen:       mapset.NewSet(),
			resume:     make(chan struct{}),
			stop:       make(chan struct{}),
		}
		close(r.resume) // start unpaused

		if c, ok := bundle.Get(requester.BundleKeyClient); ok {
			if client, ok := c.(*http.Client); ok {
				r.client = client
			}
		}
		if mw, ok := bundle.Get(engine.BundleKeyMiddleware); ok {
			if list, ok := mw.([]any); ok {
				for _, m := range list {
					if m, ok := m.(Middleware); ok {
						r.middlewares = append(r.middlewares, m)
					}
				}
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

// AddRequest enqueues r for fetching, de-duping by method+URL+headers
// fingerprint against every request this Runner has seen. The runner uses
// it to requeue a request a middleware substituted; spiders do not call it,
// they write to the downloader_tid table directly (see Fingerprint).
func (d *Runner) AddRequest(r *Request) {
	fp := fingerprint(r.HTTPRequest)
	if d.seen.Contains(fp) {
		return
	}
	d.seen.Add(fp)
	d.queue.Set(fp, r)
}

// Fingerprint computes the same method+URL+headers digest AddRequest uses
// for de-duplication. The spider stage uses it to key requests it schedules
// directly onto the downloader's table, so a link discovered twice collapses
// to one entry instead of two.
func Fingerprint(r *http.Request) string {
	return fingerprint(r)
}

func fingerprint(r *http.Request) string {
	h := sha1.New()
	h.Write([]byte(r.Method))
	h.Write([]byte(r.URL.String()))
	for key, values := range r.Header {
		h.Write([]byte(key))
		for _, v := range values {
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Runner) worker() {
	defer d.wg.Done()
	for {
		d.pauseMu.Lock()
		resume := d.resume
		d.pauseMu.Unlock()

		select {
		case <-d.stop:
			return
		case <-resume: // closed while running; blocks while paused
		}

		d.pauseMu.Lock()
		if d.paused {
			d.pauseMu.Unlock()
			continue
		}
		d.active.Add(1)
		d.pauseMu.Unlock()

		key, value, ok := d.queue.PopAny()
		if !ok {
			d.active.Done()
			select {
			case <-d.stop:
				return
			case <-d.queue.Signal():
			case <-time.After(d.pollEvery):
			}
			continue
		}
		req, ok := value.(*Request)
		if !ok {
			d.active.Done()
			continue
		}
		d.fetch(key, req)
		d.active.Done()
	}
}

func (d *Runner) fetch(fp string, req *Request) {
	httpReq := req.HTTPRequest

	for _, mw := range d.middlewares {
		nextReq, nextResp, err := mw.ProcessRequest(httpReq)
		if err != nil {
			if !errors.Is(err, IgnoreRequest) {
				logrus.WithError(err).Errorf("downloader: middleware rejected request %s", httpReq.URL)
			}
			return
		}
		if d.handleMiddlewareOutput(req, nextReq, nextResp) {
			return
		}
	}

	var resp *http.Response
	var err error
	retry := 0
	for {
		resp, err = d.client.Do(httpReq)
		if err == nil && resp.StatusCode < 400 {
			break
		}
		if err != nil {
			logrus.WithError(err).Errorf("downloader: %s %s failed", httpReq.Method, httpReq.URL)
		} else {
			logrus.Errorf("downloader: %s %s returned status %d", httpReq.Method, httpReq.URL, resp.StatusCode)
		}
		retry++
		if retry > d.retryMax {
			logrus.Errorf("downloader: %s %s exhausted retries", httpReq.Method, httpReq.URL)
			return
		}
		if d.retrySleep > 0 {
			time.Sleep(d.retrySleep)
		}
	}

	for _, mw := range d.middlewares {
		nextReq, nextResp, err := mw.ProcessResponse(resp)
		if err != nil {
			if !errors.Is(err, IgnoreResponse) {
				logrus.WithError(err).Errorf("downloader: middleware rejected response %s", httpReq.URL)
			}
			return
		}
		if d.handleMiddlewareOutput(req, nextReq, nextResp) {
			return
		}
	}

	d.next.Set(fp, &Response{HTTPResponse: resp, Config: req.Config})
}

// handleMiddlewareOutput requeues a request or forwards a response a
// middleware substituted in place of the original, and reports whether the
// caller should stop processing this item.
func (d *Runner) handleMiddlewareOutput(original *Request, req *http.Request, resp *http.Response) bool {
	if req != nil {
		d.AddRequest(&Request{HTTPRequest: req, Config: original.Config})
		return true
	}
	if resp != nil {
		d.next.Set(fingerprint(resp.Request), &Response{HTTPResponse: resp, Config: original.Config})
		return true
	}
	return false
}

// Control pauses or resumes the worker pool. Suspend does not return until
// every worker has stopped pulling new requests from the queue AND every
// fetch already in flight has finished and forwarded (or dropped) its
// response: a caller that dumps the tables right after Suspend acknowledges
// must see a state no worker can still mutate.
func (d *Runner) Control(ctx context.Context, cmd engine.StageControl) error {
	d.pauseMu.Lock()
	switch cmd {
	case engine.ControlSuspend:
		if d.paused {
			d.pauseMu.Unlock()
			return nil
		}
		d.paused = true
		d.resume = make(chan struct{})
		d.pauseMu.Unlock()
		return d.waitQuiesced(ctx)
	case engine.ControlContinue:
		if !d.paused {
			d.pauseMu.Unlock()
			return nil
		}
		d.paused = false
		close(d.resume)
		d.pauseMu.Unlock()
		return nil
	default:
		d.pauseMu.Unlock()
		return &engine.ErrConfiguration{Reason: "downloader: unsupported control"}
	}
}

// waitQuiesced blocks until every worker that had already started a fetch
// when paused was set has finished it, or ctx expires first. Workers that
// saw paused=true before popping never Add to active, so this cannot race a
// worker starting new work after the lock in Control was released.
func (d *Runner) waitQuiesced(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PrepareForStop satisfies engine.PipelineHooks; the downloader has no
// middleware-level teardown of its own beyond what Stop already does.
func (d *Runner) PrepareForStop(ctx context.Context, middleware []any) error {
	return nil
}

// Stop halts all workers, waiting for in-flight fetches to drain or ctx to
// expire, whichever comes first.
func (d *Runner) Stop(ctx context.Context) error {
	close(d.stop)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
