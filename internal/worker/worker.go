// Package worker provides the base every concrete pipeline worker embeds:
// named tasks run as goroutines, a control mailbox merged into local
// parameters, and bounded, cancellable shutdown — per spec §4.3.
package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
)

// GlobalStop is the process-wide shutdown event every worker observes in
// addition to its own local stop flag (§4.3.4, §5 "wake-up <= 100ms after
// stop").
type GlobalStop struct {
	ch   chan struct{}
	once sync.Once
}

// NewGlobalStop creates an unfired global stop event.
func NewGlobalStop() *GlobalStop {
	return &GlobalStop{ch: make(chan struct{})}
}

// Fire signals shutdown to every worker watching this event. Safe to call
// more than once.
func (g *GlobalStop) Fire() {
	g.once.Do(func() { close(g.ch) })
}

// Done returns a channel closed once Fire has been called.
func (g *GlobalStop) Done() <-chan struct{} { return g.ch }

// Stopped reports whether Fire has already been called.
func (g *GlobalStop) Stopped() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

type task struct {
	name string
	body func(ctx context.Context)
}

// Base is embedded by every concrete worker (Capture, Detector, Slot
// Analyzer, Renderer, Telemetry). It owns the worker's tasks, its control
// mailbox, and local_params.
type Base struct {
	Name    string
	Control *queue.Queue[pipeline.ControlMessage]
	Log     *zap.Logger

	global *GlobalStop
	grace  time.Duration

	localStopped boolFlag
	onChanged    func(map[string]any)
	nice         atomic.Int32

	paramsMu sync.Mutex
	params   map[string]any

	tasksMu sync.Mutex
	tasks   []task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (b *boolFlag) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *boolFlag) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// New creates a worker base. grace is the bounded join timeout Stop waits
// before giving up on a task (default 1s per §4.3.3 if zero is passed).
func New(name string, global *GlobalStop, log *zap.Logger, grace time.Duration) *Base {
	if grace <= 0 {
		grace = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Base{
		Name:    name,
		Control: queue.NewMailbox[pipeline.ControlMessage](name + ".control"),
		Log:     log.Named(name),
		global:  global,
		grace:   grace,
		params:  make(map[string]any),
		ctx:     ctx,
		cancel:  cancel,
	}
	go func() {
		select {
		case <-global.Done():
			b.cancel()
		case <-ctx.Done():
		}
	}()
	b.RegisterTask("control", b.controlTask)
	return b
}

// SetOnParamsChanged installs the callback invoked after the control task
// merges a new control message into local_params.
func (b *Base) SetOnParamsChanged(fn func(params map[string]any)) {
	b.onChanged = fn
}

// SetPriority records the OS nice value every task goroutine this worker
// spawns should apply to its own locked OS thread (§4.9 "set OS priority").
// Takes effect for tasks started by Run after this call.
func (b *Base) SetPriority(nice int) {
	b.nice.Store(int32(nice))
}

// RegisterTask adds a named long-running unit of work. Call before Run.
func (b *Base) RegisterTask(name string, body func(ctx context.Context)) {
	b.tasksMu.Lock()
	defer b.tasksMu.Unlock()
	b.tasks = append(b.tasks, task{name: name, body: body})
}

// Run starts every registered task in its own goroutine. A task that panics
// is recovered, logged, and exits; the worker's other tasks keep running
// (§4.3 failure policy).
func (b *Base) Run() {
	b.tasksMu.Lock()
	tasks := append([]task(nil), b.tasks...)
	b.tasksMu.Unlock()

	nice := int(b.nice.Load())
	for _, t := range tasks {
		t := t
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if nice != 0 {
				runtime.LockOSThread()
				setThreadPriority(nice)
			}
			defer func() {
				if r := recover(); r != nil {
					b.Log.Error("task panicked", zap.String("task", t.name), zap.Any("recover", r))
				}
			}()
			t.body(b.ctx)
		}()
	}
}

// RequestStop sets the local stop flag and cancels every task's context
// without waiting for them to join. Safe to call from within a task body
// itself (unlike Stop, which would deadlock waiting on its own caller).
func (b *Base) RequestStop() {
	b.localStopped.set(true)
	b.cancel()
}

// Stop sets the local stop flag and joins every task within the configured
// grace period. Tasks still running after the grace period are abandoned
// (their goroutines will observe ctx.Done() and should exit soon after).
func (b *Base) Stop() {
	b.RequestStop()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.grace):
		b.Log.Warn("worker did not join within grace period", zap.Duration("grace", b.grace))
	}
}

// ShouldStop is true if this worker's local stop flag is set, or the global
// shutdown event fired.
func (b *Base) ShouldStop() bool {
	return b.localStopped.get() || b.global.Stopped()
}

// Context returns the worker's cancellation context, cancelled on Stop or
// on the global shutdown event.
func (b *Base) Context() context.Context { return b.ctx }

// LocalParams returns a shallow copy of the worker's current parameters.
func (b *Base) LocalParams() map[string]any {
	b.paramsMu.Lock()
	defer b.paramsMu.Unlock()
	out := make(map[string]any, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

// controlTask is the default control task from §4.3.5: it polls the
// control mailbox, merges every key of the message into local_params
// (unrecognized keys are stored too, not filtered out), then invokes
// on_params_changed, which applies only the keys that worker handles.
func (b *Base) controlTask(ctx context.Context) {
	for !b.ShouldStop() {
		pollCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		msg, ok := b.Control.Poll(pollCtx)
		cancel()
		if !ok {
			continue
		}
		b.paramsMu.Lock()
		for k, v := range msg {
			b.params[k] = v
		}
		snapshot := make(map[string]any, len(b.params))
		for k, v := range b.params {
			snapshot[k] = v
		}
		b.paramsMu.Unlock()
		if b.onChanged != nil {
			b.onChanged(snapshot)
		}
	}
}
