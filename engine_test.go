package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRunner is a StageRunner whose Control/Stop behavior is scripted by the
// test, used to drive Engine lifecycle transitions without any real
// downloader/spider/item-processor stage.
type fakeRunner struct {
	NopPipelineHooks

	mu         sync.Mutex
	controlErr error
	controlled []StageControl
	stopped    bool
}

func (f *fakeRunner) Control(ctx context.Context, cmd StageControl) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlled = append(f.controlled, cmd)
	return f.controlErr
}

func (f *fakeRunner) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) controlCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.controlled)
}

func init() {
	RegisterRequesterPlugin("test-noop-requester", noopPlugin{})
	RegisterStoragePlugin("test-noop-storage", noopPlugin{})
}

type noopPlugin struct{}

func (noopPlugin) PrepareForStart(args PluginArgs, bundle Bundle) (Bundle, error) {
	return bundle, nil
}

func testFactories(downloader, spider, itemProcessor *fakeRunner) Factories {
	return Factories{
		Downloader:    func(ctx context.Context, bundle Bundle) (StageRunner, error) { return downloader, nil },
		Spider:        func(ctx context.Context, bundle Bundle) (StageRunner, error) { return spider, nil },
		ItemProcessor: func(ctx context.Context, bundle Bundle) (StageRunner, error) { return itemProcessor, nil },
	}
}

func testOptions(spider SpiderID) EngineOptions {
	pluginOpt := Option{Key: BundleKeyRequester, Value: "test-noop-requester"}
	storageOpt := Option{Key: BundleKeyStorage, Value: "test-noop-storage"}
	return EngineOptions{
		Spider:               spider,
		DownloaderOptions:    []Option{pluginOpt},
		ItemProcessorOptions: []Option{storageOpt},
	}
}

func startTestEngine(t *testing.T, spider SpiderID) (*Engine, *fakeRunner, *fakeRunner, *fakeRunner, *Registry) {
	t.Helper()
	return startTestEngineWithRegistry(t, spider, NewRegistry())
}

func startTestEngineWithRegistry(t *testing.T, spider SpiderID, registry *Registry) (*Engine, *fakeRunner, *fakeRunner, *fakeRunner, *Registry) {
	t.Helper()
	return startTestEngineWithOptions(t, registry, testOptions(spider))
}

func startTestEngineWithOptions(t *testing.T, registry *Registry, opts EngineOptions) (*Engine, *fakeRunner, *fakeRunner, *fakeRunner, *Registry) {
	t.Helper()
	down, spd, ip := &fakeRunner{}, &fakeRunner{}, &fakeRunner{}
	eng, err := Start(context.Background(), opts, testFactories(down, spd, ip), nil, registry)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for eng.Status() == StatusPreparing {
		select {
		case <-deadline:
			t.Fatalf("engine never left preparing: err=%v", eng.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if eng.Err() != nil {
		t.Fatalf("setup failed: %v", eng.Err())
	}
	return eng, down, spd, ip, registry
}

func TestStartRejectsEmptySpider(t *testing.T) {
	_, err := Start(context.Background(), EngineOptions{}, Factories{}, nil, NewRegistry())
	if err == nil {
		t.Fatal("expected ErrConfiguration for empty spider")
	}
}

func TestStartRejectsDuplicateSpider(t *testing.T) {
	registry := NewRegistry()
	down1, spd1, ip1 := &fakeRunner{}, &fakeRunner{}, &fakeRunner{}
	eng1, err := Start(context.Background(), testOptions("dup-spider"), testFactories(down1, spd1, ip1), nil, registry)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer eng1.Terminate(nil)

	_, err = Start(context.Background(), testOptions("dup-spider"), testFactories(&fakeRunner{}, &fakeRunner{}, &fakeRunner{}), nil, registry)
	var dup *ErrDuplicateSpider
	if !errors.As(err, &dup) {
		t.Fatalf("expected ErrDuplicateSpider, got %v", err)
	}
}

func TestSuspendContinueBroadcastsToAllStages(t *testing.T) {
	eng, down, spd, ip, _ := startTestEngine(t, "suspend-spider")
	defer eng.Terminate(nil)

	if err := eng.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if eng.Status() != StatusSuspend {
		t.Fatalf("expected StatusSuspend, got %v", eng.Status())
	}
	for _, r := range []*fakeRunner{down, spd, ip} {
		if r.controlCount() != 1 {
			t.Fatalf("expected every stage controlled once, got %d", r.controlCount())
		}
	}

	// Idempotent: suspending an already-suspended engine touches no stage.
	if err := eng.Suspend(context.Background()); err != nil {
		t.Fatalf("second Suspend: %v", err)
	}
	if down.controlCount() != 1 {
		t.Fatalf("expected suspend-while-suspended to be a no-op, got %d calls", down.controlCount())
	}

	if err := eng.Continue(context.Background()); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if eng.Status() != StatusRunning {
		t.Fatalf("expected StatusRunning after Continue, got %v", eng.Status())
	}
}

func TestDumpRequiresSuspendStatus(t *testing.T) {
	eng, _, _, _, _ := startTestEngine(t, "dump-gate-spider")
	defer eng.Terminate(nil)

	if err := eng.Dump2File(context.Background(), ""); !errors.Is(err, ErrStatusGate) {
		t.Fatalf("expected ErrStatusGate while running, got %v", err)
	}
}

func TestControlViolationCrashesEngine(t *testing.T) {
	registry := NewRegistry()
	down := &fakeRunner{controlErr: errors.New("stuck")}
	spd, ip := &fakeRunner{}, &fakeRunner{}
	eng, err := Start(context.Background(), testOptions("crash-spider"), testFactories(down, spd, ip), nil, registry)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for eng.Status() == StatusPreparing {
		select {
		case <-deadline:
			t.Fatal("engine never left preparing")
		case <-time.After(5 * time.Millisecond):
		}
	}

	err = eng.Suspend(context.Background())
	var violation *ErrControlViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected ErrControlViolation, got %v", err)
	}

	select {
	case <-eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit after a control contract violation")
	}
	if eng.Status() != StatusTerminating {
		t.Fatalf("expected StatusTerminating after crash, got %v", eng.Status())
	}
}

func TestTerminateStopsStagesAndReleasesSpider(t *testing.T) {
	eng, down, spd, ip, registry := startTestEngine(t, "terminate-spider")

	eng.Terminate(nil)

	select {
	case <-eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit after Terminate")
	}
	if eng.Status() != StatusTerminating {
		t.Fatalf("expected StatusTerminating, got %v", eng.Status())
	}

	if err := registry.ReserveSpider("terminate-spider"); err != nil {
		t.Fatalf("expected spider reservation released by teardown, got %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !(down.stopped && spd.stopped && ip.stopped) {
		select {
		case <-deadline:
			t.Fatalf("not all stages stopped: downloader=%v spider=%v item_processor=%v", down.stopped, spd.stopped, ip.stopped)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestControlAfterTerminateReturnsEngineTerminated(t *testing.T) {
	eng, _, _, _, _ := startTestEngine(t, "post-terminate-spider")
	eng.Terminate(nil)
	<-eng.Done()

	if err := eng.Suspend(context.Background()); !errors.Is(err, ErrEngineTerminated) {
		t.Fatalf("expected ErrEngineTerminated, got %v", err)
	}
}

// TestSuspendDumpReloadRoundTrip drives the full suspend-then-dump-then-
// restart sequence through the real Engine, not just the table layer: start
// an engine, write into its downloader table via the registry the way a
// real stage would, suspend, dump to a temp file base, terminate, then
// start a second engine with LoadFromFile pointed at that base and confirm
// the data survived the round trip.
func TestSuspendDumpReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := dir + "/snapshot"

	registry := NewRegistry()
	eng, _, _, _, _ := startTestEngineWithRegistry(t, "dump-reload-spider", registry)

	handle, ok := registry.Lookup("dump-reload-spider", RegistryKeyDownloaderTID)
	if !ok {
		t.Fatal("expected a downloader_tid published for the running engine")
	}
	table, ok := registry.Table(handle)
	if !ok {
		t.Fatal("expected the downloader_tid handle to resolve to a table")
	}
	table.Set("req1", "https://example.test/a")

	if err := eng.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := eng.Dump2FileForce(context.Background(), base); err != nil {
		t.Fatalf("Dump2FileForce: %v", err)
	}
	eng.Terminate(nil)
	<-eng.Done()

	reloaded, _, _, _, _ := startTestEngineWithOptions(t, registry, EngineOptions{
		Spider:               "dump-reload-spider",
		DownloaderOptions:    []Option{{Key: BundleKeyRequester, Value: "test-noop-requester"}},
		ItemProcessorOptions: []Option{{Key: BundleKeyStorage, Value: "test-noop-storage"}},
		LoadFromFile:         base,
	})
	defer reloaded.Terminate(nil)

	handle2, ok := registry.Lookup("dump-reload-spider", RegistryKeyDownloaderTID)
	if !ok {
		t.Fatal("expected a downloader_tid published for the reloaded engine")
	}
	table2, ok := registry.Table(handle2)
	if !ok {
		t.Fatal("expected the reloaded downloader_tid handle to resolve to a table")
	}
	v, ok := table2.Get("req1")
	if !ok || v != "https://example.test/a" {
		t.Fatalf("expected req1 to survive the dump/reload round trip, got %v ok=%v", v, ok)
	}
}

// trackingSpider implements all four SpiderCallbacks hooks and counts how
// many times each fires, to confirm the Engine actually probes for them
// rather than only compiling against the interfaces.
type trackingSpider struct {
	mu                  sync.Mutex
	startCalls          int
	startComponentCalls map[StageName]int
	stopCalls           int
	stopComponentCalls  map[StageName]int
}

func newTrackingSpider() *trackingSpider {
	return &trackingSpider{
		startComponentCalls: map[StageName]int{},
		stopComponentCalls:  map[StageName]int{},
	}
}

func (s *trackingSpider) PrepareForStart() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	return s, nil
}

func (s *trackingSpider) PrepareForStartComponent(component StageName, bundle Bundle) (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startComponentCalls[component]++
	return bundle, nil
}

func (s *trackingSpider) PrepareForStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	return nil
}

func (s *trackingSpider) PrepareForStopComponent(component StageName, bundle Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopComponentCalls[component]++
	return nil
}

func (s *trackingSpider) snapshot() (start int, startComponents map[StageName]int, stop int, stopComponents map[StageName]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := make(map[StageName]int, len(s.startComponentCalls))
	for k, v := range s.startComponentCalls {
		sc[k] = v
	}
	pc := make(map[StageName]int, len(s.stopComponentCalls))
	for k, v := range s.stopComponentCalls {
		pc[k] = v
	}
	return s.startCalls, sc, s.stopCalls, pc
}

func TestSpiderCallbacksInvokedOncePerStageAndOnceOverall(t *testing.T) {
	registry := NewRegistry()
	spiderValue := newTrackingSpider()
	down, spd, ip := &fakeRunner{}, &fakeRunner{}, &fakeRunner{}
	eng, err := Start(context.Background(), testOptions("callback-spider"), testFactories(down, spd, ip), spiderValue, registry)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for eng.Status() == StatusPreparing {
		select {
		case <-deadline:
			t.Fatalf("engine never left preparing: err=%v", eng.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if eng.Err() != nil {
		t.Fatalf("setup failed: %v", eng.Err())
	}

	startCalls, startComponents, _, _ := spiderValue.snapshot()
	if startCalls != 1 {
		t.Fatalf("expected PrepareForStart to fire once, got %d", startCalls)
	}
	for _, stage := range []StageName{StageDownloader, StageSpider, StageItemProcessor} {
		if startComponents[stage] != 1 {
			t.Fatalf("expected PrepareForStartComponent(%s) to fire once, got %d", stage, startComponents[stage])
		}
	}

	eng.Terminate(nil)
	select {
	case <-eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit after Terminate")
	}

	_, _, stopCalls, stopComponents := spiderValue.snapshot()
	if stopCalls != 1 {
		t.Fatalf("expected PrepareForStop to fire once, got %d", stopCalls)
	}
	for _, stage := range []StageName{StageDownloader, StageSpider, StageItemProcessor} {
		if stopComponents[stage] != 1 {
			t.Fatalf("expected PrepareForStopComponent(%s) to fire once, got %d", stage, stopComponents[stage])
		}
	}
}
