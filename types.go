package engine

import "github.com/google/uuid"

// SpiderID names a single engine instance. Two engines sharing a SpiderID
// must not coexist; Start enforces this through the Registry.
type SpiderID string

// TableHandle is an opaque, copyable reference to a SharedTable. It does not
// own the table it refers to.
type TableHandle uuid.UUID

// String renders the handle the way a log line wants it.
func (h TableHandle) String() string {
	return uuid.UUID(h).String()
}

// newTableHandle mints a fresh opaque handle.
func newTableHandle() TableHandle {
	return TableHandle(uuid.New())
}

// NewTableHandle mints a fresh opaque handle for callers outside this
// package, such as tests that need to register a SharedTable directly
// without going through Engine.Start.
func NewTableHandle() TableHandle {
	return newTableHandle()
}

// EngineStatus is the engine's lifecycle state. Engine.run moves it from
// preparing to running, handleControl (lifecycle.go) between running and
// suspend, and crash/handleTerminate (teardown.go) to terminating.
type EngineStatus int

const (
	// StatusPreparing is the engine's state from construction until setup
	// (table creation/load, stage start) completes.
	StatusPreparing EngineStatus = iota
	// StatusRunning is the engine's state while all three stages are live.
	StatusRunning
	// StatusSuspend is the engine's state once all three stages have
	// acknowledged a suspend broadcast.
	StatusSuspend
	// StatusTerminating is the terminal state; no further transitions occur.
	StatusTerminating
)

func (s EngineStatus) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusRunning:
		return "running"
	case StatusSuspend:
		return "suspend"
	case StatusTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Option is one key/value entry in a Bundle.
type Option struct {
	Key   string
	Value any
}

// EngineOptions configures an Engine at construction. Spider is required;
// everything else defaults to empty.
type EngineOptions struct {
	Spider               SpiderID
	DownloaderOptions    []Option
	SpiderOptions        []Option
	ItemProcessorOptions []Option
	LoadFromFile         string // base path; empty means create fresh tables
}
