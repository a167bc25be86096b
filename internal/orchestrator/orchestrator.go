// Package orchestrator implements §4.9: it builds the ring registry and
// queue fabric from a declared schema, wires and starts every enabled
// worker with its configured OS priority, waits for a shutdown signal, and
// joins every worker within a bounded grace window before releasing ring
// resources.
//
// Grounded on the teacher's cmd/driver/main.go (construct the shared
// resources, start per-camera pipelines, wait on an HTTP server) generalized
// from "one HTTP server serving N camera pipelines" to "one fixed pipeline
// topology of typed workers sharing a ring registry and queue fabric".
package orchestrator

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/capture"
	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/detector"
	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/renderer"
	"github.com/bottlevision/pipeline/internal/ring"
	"github.com/bottlevision/pipeline/internal/sink"
	"github.com/bottlevision/pipeline/internal/slot"
	"github.com/bottlevision/pipeline/internal/telemetry"
	"github.com/bottlevision/pipeline/internal/worker"
)

// runnable is satisfied by every concrete worker through its embedded
// *worker.Base.
type runnable interface {
	Run()
	Stop()
	RequestStop()
}

// queueCapacity is the fixed depth of the Detector input, each Slot input,
// and the Renderer input queue (§4.2's resource table). Scenario 4 (§8)'s
// drop counts are derived against exactly this value, so it is not a tuning
// knob exposed through config.
const queueCapacity = 30

// niceFor maps a configured priority class to a Unix nice value: lower is
// scheduled first. Capture and the Renderer sit on the frame-cadence
// critical path, so "high" gets a negative nice; Telemetry is the least
// time-sensitive stage.
func niceFor(p config.Priority) int {
	switch p {
	case config.PriorityHigh:
		return -5
	case config.PriorityLow:
		return 10
	default:
		return 0
	}
}

// Fabric is the declared schema of rings and queues every pipeline
// deployment shares (§4.9 "Build queue fabric and image ring from a
// declared schema").
type Fabric struct {
	Rings          *ring.Registry
	DetectorInput  *queue.Queue[pipeline.Frame]
	SlotInputs     [pipeline.NumSlots]*queue.Queue[pipeline.WorkItem]
	RendererInput  *queue.Queue[pipeline.RendererMessage]
}

// buildFabric declares every named ring and queue the pipeline needs,
// sized from cfg. Ring/queue creation failures are the one category that
// propagates to the caller as fatal (§7 category 1).
func buildFabric(cfg *config.Config) (*Fabric, error) {
	reg := ring.NewRegistry()
	frameShape := ring.Shape{Height: cfg.Capture.Height, Width: cfg.Capture.Width, Channels: 3}
	if err := reg.Create("camera_data", 2, 1, frameShape, ring.Uint8); err != nil {
		return nil, err
	}
	if err := reg.Create("process_data", 2, 1, frameShape, ring.Uint8); err != nil {
		return nil, err
	}
	capShape := ring.Shape{Height: cfg.Detector.CapCropWH.Height, Width: cfg.Detector.CapCropWH.Width, Channels: 3}
	levelShape := ring.Shape{Height: cfg.Detector.LevelCropWH.Height, Width: cfg.Detector.LevelCropWH.Width, Channels: 3}
	for i := 0; i < pipeline.NumSlots; i++ {
		if err := reg.Create(fmt.Sprintf("process_data_cap_%d", i), 2, 1, capShape, ring.Uint8); err != nil {
			return nil, err
		}
		if err := reg.Create(fmt.Sprintf("process_data_level_%d", i), 2, 1, levelShape, ring.Uint8); err != nil {
			return nil, err
		}
	}

	f := &Fabric{
		Rings:         reg,
		DetectorInput: queue.New[pipeline.Frame]("detector_in", queueCapacity, queue.DropOldest, 0),
		RendererInput: queue.New[pipeline.RendererMessage]("renderer_in", queueCapacity, queue.BlockThenDrop, 0),
	}
	for i := 0; i < pipeline.NumSlots; i++ {
		f.SlotInputs[i] = queue.New[pipeline.WorkItem](fmt.Sprintf("slot_input_%d", i), queueCapacity, queue.DropOldest, 0)
	}
	return f, nil
}

// Orchestrator owns the fabric, every started worker, and the global stop
// event that coordinates their shutdown.
type Orchestrator struct {
	log    *zap.Logger
	cfg    *config.Config
	global *worker.GlobalStop
	fabric *Fabric

	telemetry *telemetry.Worker
	workers   map[string]runnable
	order     []string
}

// Deps bundles the externally-supplied dependencies a deployment wires in:
// the capture source, display sink, and Prometheus registry.
type Deps struct {
	Source   capture.Source
	Display  sink.Sink
	Registry *prometheus.Registry
}

// New builds the fabric and every enabled worker from cfg, but does not
// start them. Returns a ResourceUnavailable error (unwrapped via
// pipeline.Error) if the ring or queue fabric cannot be built — the single
// failure mode that must produce a non-zero exit before anything runs (§6).
func New(log *zap.Logger, cfg *config.Config, deps Deps) (*Orchestrator, error) {
	fabric, err := buildFabric(cfg)
	if err != nil {
		return nil, err
	}

	global := worker.NewGlobalStop()
	tw := telemetry.New(global, log, cfg.Telemetry, deps.Display, deps.Registry)

	o := &Orchestrator{
		log:       log,
		cfg:       cfg,
		global:    global,
		fabric:    fabric,
		telemetry: tw,
		workers:   make(map[string]runnable),
	}
	o.register("telemetry", tw, config.PriorityLow)

	enabled := make(map[string]config.WorkerSpec, len(cfg.Workers))
	for _, spec := range cfg.Workers {
		enabled[spec.Name] = spec
	}

	if spec, ok := enabled["capture"]; ok && spec.Enabled {
		if deps.Source == nil {
			return nil, pipeline.NewError(pipeline.CategoryResourceUnavailable, "orchestrator.capture",
				fmt.Errorf("capture worker enabled but no source was configured"))
		}
		cw := capture.New(global, log, cfg.Capture, capture.Deps{
			Rings: fabric.Rings, Output: fabric.DetectorInput, Telemetry: tw,
		}, deps.Source)
		o.register(spec.Name, cw, spec.Priority)
	}

	if spec, ok := enabled["detector"]; ok && spec.Enabled {
		dw := detector.New(global, log, cfg.Detector, detector.Deps{
			Rings: fabric.Rings, Input: fabric.DetectorInput,
			SlotQueues: fabric.SlotInputs, RendererQueue: fabric.RendererInput, Telemetry: tw,
		}, nil)
		o.register(spec.Name, dw, spec.Priority)
	}

	for i := 0; i < pipeline.NumSlots; i++ {
		name := fmt.Sprintf("slot%d", i)
		spec, ok := enabled[name]
		if !ok || !spec.Enabled {
			continue
		}
		sw := slot.New(i, global, log, cfg.Slots[i], slot.Deps{
			Rings: fabric.Rings, Input: fabric.SlotInputs[i], RendererQueue: fabric.RendererInput, Telemetry: tw,
		}, nil)
		o.register(name, sw, spec.Priority)
	}

	if spec, ok := enabled["renderer"]; ok && spec.Enabled {
		rw := renderer.New(global, log, cfg.Renderer, renderer.Deps{
			Rings: fabric.Rings, Input: fabric.RendererInput, Sink: deps.Display, Telemetry: tw,
		})
		o.register(spec.Name, rw, spec.Priority)
	}

	return o, nil
}

func (o *Orchestrator) register(name string, w runnable, priority config.Priority) {
	if base, ok := w.(interface{ SetPriority(int) }); ok {
		base.SetPriority(niceFor(priority))
	}
	o.workers[name] = w
	o.order = append(o.order, name)
}

// depthSampleInterval is how often the orchestrator samples every fabric
// queue's depth into the telemetry queue_depth gauge (supplemented feature:
// queue-size introspection, §7/§SPEC_FULL). Independent of the Renderer's
// 10ms assembly sweep, since it only needs to track slow drift, not react
// to individual frames.
const depthSampleInterval = 500 * time.Millisecond

// Start runs every registered worker's tasks and begins periodic queue-depth
// sampling. Workers observe the global stop event independently of Start's
// caller.
func (o *Orchestrator) Start() {
	for _, name := range o.order {
		o.log.Info("starting worker", zap.String("worker", name))
		o.workers[name].Run()
	}
	go o.sampleQueueDepths()
}

// sampleQueueDepths periodically reports every fabric queue's current size
// to telemetry until the global stop event fires, so a /metrics scrape
// reflects live backpressure instead of only the shutdown-time snapshot.
func (o *Orchestrator) sampleQueueDepths() {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.global.Done():
			return
		case <-ticker.C:
			o.telemetry.ObserveQueueDepth(o.fabric.DetectorInput.Name(), o.fabric.DetectorInput.Size())
			for _, q := range o.fabric.SlotInputs {
				if q != nil {
					o.telemetry.ObserveQueueDepth(q.Name(), q.Size())
				}
			}
			o.telemetry.ObserveQueueDepth(o.fabric.RendererInput.Name(), o.fabric.RendererInput.Size())
		}
	}
}

// Shutdown broadcasts the global stop event and joins every worker within
// its own bounded grace period (§4.9), then logs a summary of drops and
// partial renders (§7 "shutdown prints a summary of drops and partial
// renders per slot").
func (o *Orchestrator) Shutdown() {
	o.global.Fire()
	for i := len(o.order) - 1; i >= 0; i-- {
		name := o.order[i]
		o.log.Info("stopping worker", zap.String("worker", name))
		o.workers[name].Stop()
	}
	o.fabric.Rings.ForceRelease()
	o.summarize()
}

func (o *Orchestrator) summarize() {
	o.log.Info("shutdown summary",
		zap.String("queue", o.fabric.DetectorInput.Name()), zap.Int64("dropped", o.fabric.DetectorInput.Dropped()))
	for i, q := range o.fabric.SlotInputs {
		if q == nil {
			continue
		}
		o.log.Info("shutdown summary", zap.Int("slot", i), zap.String("queue", q.Name()), zap.Int64("dropped", q.Dropped()))
	}
	o.log.Info("shutdown summary",
		zap.String("queue", o.fabric.RendererInput.Name()), zap.Int64("dropped", o.fabric.RendererInput.Dropped()))
	partial := o.telemetry.Snapshot("frames_partial")
	o.log.Info("shutdown summary", zap.Int("partial_renders", len(partial)))
}

// Telemetry returns the shared telemetry aggregator every worker submits
// samples to, for wiring an HTTP /metrics endpoint or test inspection.
func (o *Orchestrator) Telemetry() *telemetry.Worker { return o.telemetry }

// Fabric returns the ring registry and queue fabric, mostly for tests and
// for a monitor loop that observes queue depths.
func (o *Orchestrator) Fabric() *Fabric { return o.fabric }

// GlobalStop returns the shutdown event, so a caller (e.g. an OS-signal
// handler) can trigger it directly instead of calling Shutdown.
func (o *Orchestrator) GlobalStop() *worker.GlobalStop { return o.global }
