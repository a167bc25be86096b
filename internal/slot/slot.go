// Package slot implements one of the four Slot Analyzer workers (§4.6):
// each owns a fixed index i, consumes WorkItems from slot_input_<i>, runs
// line detection on the cap and fill-level crops, and emits a PartialResult
// to the shared Renderer input queue.
//
// Grounded on the teacher's internal/driver/jpeg.Pool consumer pattern
// (dequeue a task, do bounded work, always produce a result even on
// failure) — generalized here so a failed read or a kernel panic still
// yields an empty PartialResult instead of stalling the Renderer.
package slot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/ring"
	"github.com/bottlevision/pipeline/internal/worker"
)

// LineFinder runs the opaque Canny+Hough line-detection kernel (§1 "the
// color/line detection kernels themselves" are out of scope). It returns
// line segments in crop-local coordinates.
type LineFinder interface {
	FindLines(gray []byte, width, height int, params config.Slot) []pipeline.Line
}

type telemetryRecorder interface {
	Record(series string, value float64)
	CountError(category string)
}

// Worker is one Slot Analyzer lane.
type Worker struct {
	*worker.Base

	index     int
	rings     *ring.Registry
	input     *queue.Queue[pipeline.WorkItem]
	rendererQ *queue.Queue[pipeline.RendererMessage]
	finder    LineFinder
	telemetry telemetryRecorder

	paramsMu sync.RWMutex
	params   config.Slot
}

// Deps bundles the shared fabric one Slot Analyzer is wired against.
type Deps struct {
	Rings         *ring.Registry
	Input         *queue.Queue[pipeline.WorkItem]
	RendererQueue *queue.Queue[pipeline.RendererMessage]
	Telemetry     telemetryRecorder
}

// New creates Slot Analyzer number index (0-based; slot_id is index+1).
func New(index int, global *worker.GlobalStop, log *zap.Logger, cfg config.Slot, deps Deps, finder LineFinder) *Worker {
	if finder == nil {
		finder = DefaultLineFinder{}
	}
	w := &Worker{
		index:     index,
		rings:     deps.Rings,
		input:     deps.Input,
		rendererQ: deps.RendererQueue,
		finder:    finder,
		telemetry: deps.Telemetry,
		params:    cfg,
	}
	w.Base = worker.New(slotName(index), global, log, time.Second)
	w.SetOnParamsChanged(w.applyParams)
	w.RegisterTask("analyze", w.analyzeLoop)
	return w
}

func slotName(index int) string {
	return "slot" + string(rune('0'+index))
}

func (w *Worker) applyParams(params map[string]any) {
	w.paramsMu.Lock()
	defer w.paramsMu.Unlock()
	if v, ok := params["canny_t1"].(float64); ok {
		w.params.CannyT1 = v
	}
	if v, ok := params["canny_t2"].(float64); ok {
		w.params.CannyT2 = v
	}
	if v, ok := params["angle_tolerance_deg"].(float64); ok {
		w.params.AngleToleranceDeg = v
	}
}

func (w *Worker) currentParams() config.Slot {
	w.paramsMu.RLock()
	defer w.paramsMu.RUnlock()
	return w.params
}

func (w *Worker) analyzeLoop(ctx context.Context) {
	for !w.ShouldStop() {
		pollCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		item, ok := w.input.Poll(pollCtx)
		cancel()
		if !ok {
			continue
		}
		dequeueTime := time.Now()
		result := w.analyze(item)
		result.ProcessMS = float64(time.Since(dequeueTime).Milliseconds())
		result.EnqueueLatencyMS = float64(time.Since(item.DispatchTime).Milliseconds())
		w.rendererQ.Offer(pipeline.RendererMessage{Partial: &result})
		if w.telemetry != nil {
			w.telemetry.Record("process_cap_level_"+slotSuffix(w.index), result.ProcessMS)
			w.telemetry.Record("time_input_cap_level_"+slotSuffix(w.index), result.EnqueueLatencyMS)
		}
	}
}

func slotSuffix(index int) string { return string(rune('0' + index)) }

// countError surfaces a non-fatal error through the telemetry errors/<category>
// counter (§7 categories 3-6).
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

func (w *Worker) analyze(item pipeline.WorkItem) (result pipeline.PartialResult) {
	result.FrameID = item.FrameID
	result.SlotID = item.SlotID
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("slot analyzer kernel panicked", zap.Any("recover", r))
			w.countError(pipeline.NewError(pipeline.CategoryAnalysisFailure, "slot.analyze", fmt.Errorf("%v", r)))
			result.CapLines = nil
			result.LevelLines = nil
			result.Empty = true
		}
	}()

	params := w.currentParams()

	capLines, err := w.detectLines(item.CapRingName, item.CapOrigin, params)
	if err != nil {
		w.Log.Warn("slot: cap read failed", zap.Error(err))
		w.countError(err)
		result.Empty = true
		return result
	}
	levelLines, err := w.detectLines(item.LevelRingName, item.LevelOrigin, params)
	if err != nil {
		w.Log.Warn("slot: level read failed", zap.Error(err))
		w.countError(err)
		result.Empty = true
		return result
	}

	result.CapLines = filterHorizontal(capLines, params.AngleToleranceDeg)
	levelLines = filterHorizontal(levelLines, params.AngleToleranceDeg)
	sortByY(levelLines)
	result.LevelLines = levelLines
	result.Empty = len(result.CapLines) == 0 && len(result.LevelLines) == 0
	return result
}

func (w *Worker) detectLines(ringName string, origin pipeline.Point, params config.Slot) ([]pipeline.Line, error) {
	images, err := w.rings.Read(ringName, 0, 1)
	if err != nil {
		return nil, err
	}
	defer w.rings.Release(ringName, 0)
	img := images[0]
	gray := toGrayscale(img.Pixels, img.Channels)
	lines := w.finder.FindLines(gray, img.Width, img.Height, params)
	for i := range lines {
		lines[i].Origin = origin
	}
	return lines, nil
}

func toGrayscale(pixels []byte, channels int) []byte {
	if channels == 1 {
		return pixels
	}
	gray := make([]byte, len(pixels)/channels)
	for i := range gray {
		off := i * channels
		r, g, b := int(pixels[off]), int(pixels[off+1]), int(pixels[off+2])
		gray[i] = byte((299*r + 587*g + 114*b) / 1000)
	}
	return gray
}

func filterHorizontal(lines []pipeline.Line, toleranceDeg float64) []pipeline.Line {
	out := lines[:0]
	for _, l := range lines {
		dx, dy := float64(l.X2-l.X1), float64(l.Y2-l.Y1)
		angle := math.Abs(math.Atan2(dy, dx) * 180 / math.Pi)
		if angle > 90 {
			angle = 180 - angle
		}
		if angle <= toleranceDeg {
			out = append(out, l)
		}
	}
	return out
}

func sortByY(lines []pipeline.Line) {
	for i := 1; i < len(lines); i++ {
		for j := i; j > 0 && avgY(lines[j]) < avgY(lines[j-1]); j-- {
			lines[j], lines[j-1] = lines[j-1], lines[j]
		}
	}
}

func avgY(l pipeline.Line) float64 { return float64(l.Y1+l.Y2) / 2 }
