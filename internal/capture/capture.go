package capture

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/ring"
	"github.com/bottlevision/pipeline/internal/worker"
)

type telemetryRecorder interface {
	Record(series string, value float64)
	CountError(category string)
}

// Worker is the Capture stage (§4.4).
type Worker struct {
	*worker.Base

	source    Source
	rings     *ring.Registry
	output    *queue.Queue[pipeline.Frame]
	telemetry telemetryRecorder
	cfg       config.Capture

	nextFrameID atomic.Uint64
}

// Deps bundles the shared fabric Capture is wired against.
type Deps struct {
	Rings     *ring.Registry
	Output    *queue.Queue[pipeline.Frame]
	Telemetry telemetryRecorder
}

// New creates the Capture worker over the given source.
func New(global *worker.GlobalStop, log *zap.Logger, cfg config.Capture, deps Deps, source Source) *Worker {
	w := &Worker{
		Base:      worker.New("capture", global, log, time.Second),
		source:    source,
		rings:     deps.Rings,
		output:    deps.Output,
		telemetry: deps.Telemetry,
		cfg:       cfg,
	}
	w.nextFrameID.Store(1)
	w.SetOnParamsChanged(func(params map[string]any) {
		if v, ok := params["target_fps"].(float64); ok && v > 0 {
			w.cfg.TargetFPS = v
		}
	})
	w.RegisterTask("acquire", w.acquireLoop)
	return w
}

// countError surfaces a non-fatal error through the telemetry errors/<category>
// counter (§7 categories 3-6). Errors with no recognizable category (not a
// *pipeline.Error) are counted as "unknown" rather than silently dropped.
func (w *Worker) countError(err error) {
	if w.telemetry == nil {
		return
	}
	category, ok := pipeline.CategoryOf(err)
	if !ok {
		category = "unknown"
	}
	w.telemetry.CountError(string(category))
}

func (w *Worker) acquireLoop(ctx context.Context) {
	targetPeriod := time.Duration(float64(time.Second) / w.cfg.TargetFPS)
	for !w.ShouldStop() {
		start := time.Now()
		img, err := w.source.Acquire(ctx)
		if err != nil {
			w.handleAcquireError(err)
			continue
		}

		frameID := pipeline.FrameID(w.nextFrameID.Add(1) - 1)
		ts := time.Now()
		_, writeErr := w.rings.Write("camera_data", 0, []ring.Image{img})
		if writeErr != nil {
			w.Log.Warn("capture: ring write failed, dropping frame", zap.Error(writeErr))
			w.countError(writeErr)
			continue
		}

		w.output.Offer(pipeline.Frame{
			ID:        frameID,
			Timestamp: ts,
			Width:     img.Width,
			Height:    img.Height,
			RingSlot:  0,
		})

		elapsed := time.Since(start)
		if w.telemetry != nil {
			w.telemetry.Record("fps", 1/elapsed.Seconds())
			w.telemetry.Record("process_capture", float64(elapsed.Milliseconds()))
		}
		if elapsed > 2*targetPeriod {
			w.Log.Warn("capture: acquisition exceeded 2x target period", zap.Duration("elapsed", elapsed), zap.Duration("target", targetPeriod))
		}
		if remaining := targetPeriod - elapsed; remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
			}
		}
	}
}

func (w *Worker) handleAcquireError(err error) {
	var pe *pipeline.Error
	if asErr, ok := err.(*pipeline.Error); ok {
		pe = asErr
	}
	if pe != nil && pe.Category.Fatal() {
		w.Log.Error("capture: fatal source error, stopping this worker", zap.Error(err))
		w.RequestStop()
		return
	}
	if pe != nil && pe.Category == pipeline.CategorySourceDisconnected {
		w.Log.Warn("capture: source disconnected, retrying", zap.Error(err))
		w.countError(err)
		time.Sleep(time.Second) // §4.4: retried indefinitely with a 1s cadence
		return
	}
	w.Log.Warn("capture: acquire failed", zap.Error(err))
	w.countError(err)
}
