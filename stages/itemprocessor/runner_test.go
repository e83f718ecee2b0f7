package itemprocessor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siskinc/scrapyengine"
)

type recordingPipeline struct {
	mu   sync.Mutex
	seen []any
}

func (p *recordingPipeline) ProcessItem(item any) error {
	p.mu.Lock()
	p.seen = append(p.seen, item)
	p.mu.Unlock()
	return nil
}

func (p *recordingPipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type blockingPipeline struct {
	started chan struct{}
	release chan struct{}
	done    atomic.Bool
}

func (p *blockingPipeline) ProcessItem(item any) error {
	close(p.started)
	<-p.release
	p.done.Store(true)
	return nil
}

type droppingPipeline struct{}

func (droppingPipeline) ProcessItem(item any) error {
	return DropItem
}

type rowItem struct {
	id string
}

func (r rowItem) Row() []any { return []any{r.id} }

func newTestRunner(t *testing.T, pipelines []ItemPipeline) (*Runner, *engine.SharedTable) {
	t.Helper()
	queue := engine.NewTable(engine.RoleItemProcessor)
	registry := engine.NewRegistry()
	handle := engine.NewTableHandle()
	registry.RegisterTable("test-spider", handle, queue)

	middleware := make([]any, 0, len(pipelines))
	for _, p := range pipelines {
		middleware = append(middleware, p)
	}

	bundle := engine.Bundle{
		{Key: engine.BundleKeyRegistry, Value: registry},
		{Key: engine.BundleKeyTID, Value: handle},
		{Key: engine.BundleKeyMiddleware, Value: middleware},
		{Key: OptionWorkerNumber, Value: 2},
		{Key: OptionPollInterval, Value: 10 * time.Millisecond},
	}

	factory := New()
	runner, err := factory(context.Background(), bundle)
	if err != nil {
		t.Fatalf("New() factory returned err: %v", err)
	}
	return runner.(*Runner), queue
}

func TestRunnerDrainsQueueThroughPipelines(t *testing.T) {
	rec := &recordingPipeline{}
	runner, queue := newTestRunner(t, []ItemPipeline{rec})
	defer runner.Stop(context.Background())

	queue.Set("i1", map[string]any{"url": "https://example.test/a"})
	queue.Set("i2", map[string]any{"url": "https://example.test/b"})

	deadline := time.After(2 * time.Second)
	for rec.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected both items processed, got %d", rec.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunnerConsumesDroppedItemWithoutWriter(t *testing.T) {
	runner, queue := newTestRunner(t, []ItemPipeline{droppingPipeline{}})
	defer runner.Stop(context.Background())

	// runner.writer is nil here since no storage.BundleKeyWriter was
	// published into the bundle; process must not panic reaching for it
	// even though the dropping pipeline never lets control fall through
	// to the writer branch anyway.
	queue.Set("i1", rowItem{id: "dropped"})

	deadline := time.After(2 * time.Second)
	for queue.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected dropping pipeline to still consume the item from the queue, got len=%d", queue.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunnerControlSuspendWaitsForInFlightProcessing(t *testing.T) {
	p := &blockingPipeline{started: make(chan struct{}), release: make(chan struct{})}
	runner, queue := newTestRunner(t, []ItemPipeline{p})
	defer runner.Stop(context.Background())

	queue.Set("i1", map[string]any{"url": "https://example.test/a"})

	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("processing never started")
	}

	controlErr := make(chan error, 1)
	go func() {
		controlErr <- runner.Control(context.Background(), engine.ControlSuspend)
	}()

	select {
	case err := <-controlErr:
		t.Fatalf("Control(ControlSuspend) returned before the in-flight item finished processing: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(p.release)

	select {
	case err := <-controlErr:
		if err != nil {
			t.Fatalf("Control(ControlSuspend): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Control(ControlSuspend) never returned after the in-flight item finished processing")
	}
	if !p.done.Load() {
		t.Fatal("expected item processing to have completed before Control returned")
	}
}

func TestRunnerControlIsIdempotent(t *testing.T) {
	runner, _ := newTestRunner(t, nil)
	defer runner.Stop(context.Background())

	if err := runner.Control(context.Background(), engine.ControlSuspend); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := runner.Control(context.Background(), engine.ControlSuspend); err != nil {
		t.Fatalf("second suspend: %v", err)
	}
	if err := runner.Control(context.Background(), engine.ControlContinue); err != nil {
		t.Fatalf("continue: %v", err)
	}
}

func TestRunnerPrepareForStopClosesPipelines(t *testing.T) {
	closer := &closingPipeline{}
	runner, _ := newTestRunner(t, []ItemPipeline{closer})
	defer runner.Stop(context.Background())

	if err := runner.PrepareForStop(context.Background(), nil); err != nil {
		t.Fatalf("PrepareForStop: %v", err)
	}
	if !closer.closed {
		t.Fatal("expected PrepareForStop to close a pipeline implementing io.Closer")
	}
}

type closingPipeline struct {
	closed bool
}

func (p *closingPipeline) ProcessItem(item any) error { return nil }

func (p *closingPipeline) Close() error {
	p.closed = true
	return nil
}
