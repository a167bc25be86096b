// Package renderer implements the Renderer/Fan-in worker (§4.7): the
// centerpiece of the pipeline. A single input queue multiplexes envelopes
// from the Detector and partial results from the four Slot Analyzers, both
// correlated by frame_id; the Renderer reassembles each frame, composes an
// overlay, and pushes it to the display sink once complete or once its
// arrival deadline expires.
//
// Grounded on the teacher's internal/driver/jpeg.Session.Next (wait for a
// specific frame number, handling it arriving out of order or never
// arriving) generalized from "one frame" to "N keyed partials per frame",
// and on internal/driver/jpeg/pool.go's free-on-last-reader release pattern
// for the ring handle each assembly holds.
package renderer

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/ring"
	"github.com/bottlevision/pipeline/internal/sink"
	"github.com/bottlevision/pipeline/internal/worker"
)

const sweepInterval = 10 * time.Millisecond

// finishedRetention bounds how long a finished frame_id is remembered so a
// late PartialResult for it can be recognized and discarded (§8 scenario 3)
// rather than spawning a zombie assembly that re-reads a since-recycled
// ring slot. Well past any plausible straggler delay, short enough that the
// set never grows unbounded.
const finishedRetention = 2 * time.Second

type telemetryRecorder interface {
	Record(series string, value float64)
	CountError(category string)
}

type assembly struct {
	frameID       pipeline.FrameID
	ringSlot      int
	expected      map[pipeline.SlotID]struct{}
	expectedKnown bool
	received      map[pipeline.SlotID]pipeline.PartialResult
	captureTime   time.Time
	deadline      time.Time
	poisoned      bool
}

func (a *assembly) complete() bool {
	if !a.expectedKnown {
		return false
	}
	for s := range a.expected {
		if _, ok := a.received[s]; !ok {
			return false
		}
	}
	return true
}

// Worker is the Renderer/Fan-in stage.
type Worker struct {
	*worker.Base

	rings     *ring.Registry
	input     *queue.Queue[pipeline.RendererMessage]
	sink      sink.Sink
	telemetry telemetryRecorder
	cfg       config.Renderer

	mu         sync.Mutex
	assemblies map[pipeline.FrameID]*assembly
	finished   map[pipeline.FrameID]time.Time

	orderedMu  sync.Mutex
	pendingOut map[pipeline.FrameID]*renderedFrame
}

type renderedFrame struct {
	img     image.Image
	partial bool
}

// Deps bundles the shared fabric the Renderer is wired against.
type Deps struct {
	Rings     *ring.Registry
	Input     *queue.Queue[pipeline.RendererMessage]
	Sink      sink.Sink
	Telemetry telemetryRecorder
}

// New creates the Renderer worker.
func New(global *worker.GlobalStop, log *zap.Logger, cfg config.Renderer, deps Deps) *Worker {
	w := &Worker{
		Base:       worker.New("renderer", global, log, time.Second),
		rings:      deps.Rings,
		input:      deps.Input,
		sink:       deps.Sink,
		telemetry:  deps.Telemetry,
		cfg:        cfg,
		assemblies: make(map[pipeline.FrameID]*assembly),
		finished:   make(map[pipeline.FrameID]time.Time),
		pendingOut: make(map[pipeline.FrameID]*renderedFrame),
	}
	w.SetOnParamsChanged(func(params map[string]any) {
		if v, ok := params["ordered"].(bool); ok {
			w.cfg.Ordered = v
		}
	})
	w.RegisterTask("fan_in", w.fanInLoop)
	w.RegisterTask("sweep", w.sweepLoop)
	return w
}

func (w *Worker) fanInLoop(ctx context.Context) {
	for !w.ShouldStop() {
		pollCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		msg, ok := w.input.Poll(pollCtx)
		cancel()
		if !ok {
			continue
		}
		if msg.Envelope != nil {
			w.handleEnvelope(*msg.Envelope)
		}
		if msg.Partial != nil {
			w.handlePartial(*msg.Partial)
		}
	}
}

func (w *Worker) handleEnvelope(e pipeline.Envelope) {
	w.mu.Lock()
	a, ok := w.assemblies[e.FrameID]
	if !ok {
		a = &assembly{frameID: e.FrameID, received: make(map[pipeline.SlotID]pipeline.PartialResult)}
		w.assemblies[e.FrameID] = a
	}
	a.ringSlot = e.RingSlot
	a.expected = e.ExpectedSlots
	a.expectedKnown = true
	a.captureTime = e.CaptureTime
	a.deadline = time.Now().Add(w.cfg.Deadline())
	complete := a.complete()
	w.mu.Unlock()
	if complete {
		w.finish(e.FrameID, false)
	}
}

func (w *Worker) handlePartial(p pipeline.PartialResult) {
	w.mu.Lock()
	if _, done := w.finished[p.FrameID]; done {
		w.mu.Unlock()
		w.Log.Debug("renderer: dropping late partial for already-finished frame",
			zap.Uint64("frame_id", uint64(p.FrameID)), zap.Int("slot", int(p.SlotID)))
		return
	}
	a, ok := w.assemblies[p.FrameID]
	if !ok {
		// A partial may legitimately race ahead of its Envelope, so open a
		// fresh assembly rather than dropping it — it only becomes
		// complete()-able once the Envelope supplies expectedKnown.
		a = &assembly{frameID: p.FrameID, received: make(map[pipeline.SlotID]pipeline.PartialResult), deadline: time.Now().Add(w.cfg.Deadline())}
		w.assemblies[p.FrameID] = a
	}
	a.received[p.SlotID] = p
	complete := a.complete()
	w.mu.Unlock()
	if complete {
		w.finish(p.FrameID, false)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.ShouldStop() {
				return
			}
			w.sweepExpired()
		}
	}
}

func (w *Worker) sweepExpired() {
	now := time.Now()
	var expired []pipeline.FrameID
	w.mu.Lock()
	for id, a := range w.assemblies {
		if now.After(a.deadline) {
			expired = append(expired, id)
		}
	}
	for id, at := range w.finished {
		if now.Sub(at) > finishedRetention {
			delete(w.finished, id)
		}
	}
	w.mu.Unlock()
	for _, id := range expired {
		w.finish(id, true)
	}
}

// finish composes the render for a completed or timed-out assembly, pushes
// it to the display sink (respecting ordered mode), and releases the held
// ring resources.
func (w *Worker) finish(id pipeline.FrameID, timedOut bool) {
	w.mu.Lock()
	a, ok := w.assemblies[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.assemblies, id)
	w.finished[id] = time.Now()
	w.mu.Unlock()

	img, poisoned := w.compose(a)
	partial := timedOut || poisoned || !a.complete()

	w.emit(id, img, partial)

	if w.telemetry != nil {
		if !a.captureTime.IsZero() {
			w.telemetry.Record("time_cycle", float64(time.Since(a.captureTime).Milliseconds()))
		}
		if partial {
			w.telemetry.Record("frames_partial", 1)
		} else {
			w.telemetry.Record("process_render", 1)
		}
	}
}

func (w *Worker) compose(a *assembly) (image.Image, bool) {
	images, err := w.rings.Read("process_data", a.ringSlot, 1)
	if err != nil {
		w.Log.Warn("renderer: poisoned assembly, original frame unavailable", zap.Uint64("frame_id", uint64(a.frameID)), zap.Error(err))
		w.countError(err)
		return image.NewRGBA(image.Rect(0, 0, 1, 1)), true
	}
	defer w.rings.Release("process_data", a.ringSlot)

	src := images[0]
	out := toRGBA(src)
	for _, p := range a.received {
		for _, l := range p.CapLines {
			drawLine(out, translate(l, l.Origin), color.RGBA{255, 255, 0, 255})
		}
		if top, ok := p.TopLevelLine(); ok {
			abs := translate(top, top.Origin)
			band := acceptable(abs.Y1, w.cfg.AcceptanceBandYMin, w.cfg.AcceptanceBandYMax)
			c := color.RGBA{255, 0, 0, 255}
			if band {
				c = color.RGBA{0, 255, 0, 255}
			}
			drawLine(out, abs, c)
		}
	}
	return out, false
}

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

func acceptable(y, ymin, ymax int) bool { return y >= ymin && y <= ymax }

func translate(l pipeline.Line, origin pipeline.Point) pipeline.Line {
	return pipeline.Line{X1: l.X1 + origin.X, Y1: l.Y1 + origin.Y, X2: l.X2 + origin.X, Y2: l.Y2 + origin.Y}
}

// emit pushes a composed frame to the display sink. In ordered mode
// (§5 "ordered... buffers completed frames until lower frame_ids are
// drained"), a completed frame is held back for as long as an
// already-known, still-open assembly has a smaller frame_id: it may
// complete later and must display first.
func (w *Worker) emit(id pipeline.FrameID, img image.Image, partial bool) {
	if !w.cfg.Ordered {
		if w.sink != nil {
			w.sink.Show(img, "pipeline")
		}
		return
	}
	w.orderedMu.Lock()
	defer w.orderedMu.Unlock()
	w.pendingOut[id] = &renderedFrame{img: img, partial: partial}
	for {
		pendingID, rf, ok := w.minPending()
		if !ok {
			return
		}
		if openID, hasOpen := w.minOpenAssembly(); hasOpen && openID < pendingID {
			return // a smaller frame_id is still being assembled; wait
		}
		delete(w.pendingOut, pendingID)
		if w.sink != nil {
			w.sink.Show(rf.img, "pipeline")
		}
	}
}

func (w *Worker) minPending() (pipeline.FrameID, *renderedFrame, bool) {
	var min pipeline.FrameID
	var rf *renderedFrame
	for id, r := range w.pendingOut {
		if rf == nil || id < min {
			min, rf = id, r
		}
	}
	return min, rf, rf != nil
}

func (w *Worker) minOpenAssembly() (pipeline.FrameID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var min pipeline.FrameID
	found := false
	for id := range w.assemblies {
		if !found || id < min {
			min, found = id, true
		}
	}
	return min, found
}

func toRGBA(img ring.Image) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			off := (y*img.Width + x) * img.Channels
			var r, g, b, a uint8 = 0, 0, 0, 255
			switch img.Channels {
			case 1:
				v := img.Pixels[off]
				r, g, b = v, v, v
			default:
				r = img.Pixels[off]
				g = img.Pixels[off+1]
				b = img.Pixels[off+2]
			}
			out.SetRGBA(x, y, color.RGBA{r, g, b, a})
		}
	}
	return out
}

func drawLine(img *image.RGBA, l pipeline.Line, c color.RGBA) {
	dx, dy := abs(l.X2-l.X1), -abs(l.Y2-l.Y1)
	sx, sy := sign(l.X2-l.X1), sign(l.Y2-l.Y1)
	err := dx + dy
	x, y := l.X1, l.Y1
	bounds := img.Bounds()
	for {
		if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
			img.SetRGBA(x, y, c)
		}
		if x == l.X2 && y == l.Y2 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
