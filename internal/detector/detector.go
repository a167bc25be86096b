// Package detector implements the Detector/Fan-out worker (§4.5): it reads
// a raw frame from the shared ring, locates up to four bottle centers, and
// dispatches one WorkItem per detected bottle to that bottle's slot queue
// while publishing a renderer envelope describing which slots to expect.
//
// Grounded on the teacher's internal/driver/jpeg/pool.go Farm (a fixed pool
// of goroutines draining a task channel) generalized from "compress one
// JPEG" to "crop and dispatch up to four bottles"; the center-detection and
// cropping logic itself follows Camera_module's per-frame processing loop
// in original_source's Multiproccesing/Processes tree.
package detector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/ring"
	"github.com/bottlevision/pipeline/internal/worker"
)

// topBandFrac is the fraction of frame height searched for bottle centers,
// per §4.5.2 ("detect_object_centers(gray[0..height_of_top_band, :])").
const topBandFrac = 0.2

// CenterFinder locates candidate bottle centers in a grayscale band. It is
// deliberately opaque (§1 "the color/line detection kernels themselves");
// DefaultCenterFinder below is a simple placeholder implementation that
// satisfies the interface so the pipeline runs end-to-end without an
// external vision library wired in.
type CenterFinder interface {
	DetectCenters(gray []byte, width, height int) []pipeline.Point
}

// Worker is the Detector/Fan-out stage.
type Worker struct {
	*worker.Base

	rings     *ring.Registry
	input     *queue.Queue[pipeline.Frame]
	slotQueue [pipeline.NumSlots]*queue.Queue[pipeline.WorkItem]
	rendererQ *queue.Queue[pipeline.RendererMessage]
	finder    CenterFinder
	telemetry telemetryRecorder
	cfg       config.Detector
}

type telemetryRecorder interface {
	Record(series string, value float64)
	CountError(category string)
}

// Deps bundles the shared fabric a Detector worker is wired against.
type Deps struct {
	Rings         *ring.Registry
	Input         *queue.Queue[pipeline.Frame]
	SlotQueues    [pipeline.NumSlots]*queue.Queue[pipeline.WorkItem]
	RendererQueue *queue.Queue[pipeline.RendererMessage]
	Telemetry     telemetryRecorder
}

// New creates a Detector worker. finder may be nil, in which case
// DefaultCenterFinder is used.
func New(global *worker.GlobalStop, log *zap.Logger, cfg config.Detector, deps Deps, finder CenterFinder) *Worker {
	if finder == nil {
		finder = DefaultCenterFinder{}
	}
	w := &Worker{
		Base:      worker.New("detector", global, log, time.Second),
		rings:     deps.Rings,
		input:     deps.Input,
		slotQueue: deps.SlotQueues,
		rendererQ: deps.RendererQueue,
		finder:    finder,
		telemetry: deps.Telemetry,
		cfg:       cfg,
	}
	w.SetOnParamsChanged(func(params map[string]any) {
		if v, ok := params["min_contour_area"].(float64); ok {
			w.cfg.MinContourArea = v
		}
	})
	w.RegisterTask("process", w.processLoop)
	return w
}

func (w *Worker) processLoop(ctx context.Context) {
	for !w.ShouldStop() {
		pollCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		frame, ok := w.input.Poll(pollCtx)
		cancel()
		if !ok {
			continue
		}
		start := time.Now()
		w.handleFrame(frame)
		if w.telemetry != nil {
			w.telemetry.Record("process_processing", float64(time.Since(start).Milliseconds()))
			w.telemetry.Record("time_input_processing", float64(time.Since(frame.Timestamp).Milliseconds()))
		}
	}
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

func (w *Worker) handleFrame(frame pipeline.Frame) {
	images, err := w.rings.Read("camera_data", frame.RingSlot, 1)
	if err != nil {
		w.Log.Warn("detector: read camera_data failed", zap.Error(err))
		w.countError(err)
		return
	}
	defer w.rings.Release("camera_data", frame.RingSlot)

	img := images[0]
	gray := toGrayscale(img.Pixels, img.Width, img.Height, img.Channels)
	bandHeight := int(float64(img.Height) * topBandFrac)
	if bandHeight < 1 {
		bandHeight = img.Height
	}
	centers := w.finder.DetectCenters(gray[:bandHeight*img.Width], img.Width, bandHeight)
	if len(centers) > pipeline.NumSlots {
		centers = centers[:pipeline.NumSlots] // left-to-right, extras ignored (§4.5 edge case)
	}

	expected := make(map[pipeline.SlotID]struct{}, len(centers))
	for i, c := range centers {
		slotID := pipeline.SlotID(i + 1)
		if err := w.dispatchSlot(frame, slotID, c, img); err != nil {
			w.Log.Warn("detector: dispatch failed", zap.Int("slot", i), zap.Error(err))
			w.countError(err)
			continue
		}
		expected[slotID] = struct{}{}
	}

	if _, err := w.rings.Write("process_data", 0, []ring.Image{img}); err != nil {
		w.Log.Warn("detector: write process_data failed", zap.Error(err))
		w.countError(err)
		return
	}
	w.rendererQ.Offer(pipeline.RendererMessage{Envelope: &pipeline.Envelope{
		FrameID:       frame.ID,
		RingSlot:      0,
		ExpectedSlots: expected,
		CaptureTime:   frame.Timestamp,
		DispatchTime:  time.Now(),
	}})
}

func (w *Worker) dispatchSlot(frame pipeline.Frame, slotID pipeline.SlotID, center pipeline.Point, img ring.Image) error {
	i := int(slotID) - 1
	capRect := centeredRect(center, w.cfg.CapCropWH.Width, w.cfg.CapCropWH.Height)
	levelRect := centeredRect(center, w.cfg.LevelCropWH.Width, w.cfg.LevelCropWH.Height)

	capCrop, err := cropImage(img, capRect)
	if err != nil {
		return err
	}
	levelCrop, err := cropImage(img, levelRect)
	if err != nil {
		return err
	}

	capRing := fmt.Sprintf("process_data_cap_%d", i)
	levelRing := fmt.Sprintf("process_data_level_%d", i)
	if _, err := w.rings.Write(capRing, 0, []ring.Image{capCrop}); err != nil {
		return err
	}
	if _, err := w.rings.Write(levelRing, 0, []ring.Image{levelCrop}); err != nil {
		return err
	}

	item := pipeline.WorkItem{
		FrameID:       frame.ID,
		SlotID:        slotID,
		CapRingName:   capRing,
		LevelRingName: levelRing,
		CapOrigin:     pipeline.Point{X: capRect.X, Y: capRect.Y},
		LevelOrigin:   pipeline.Point{X: levelRect.X, Y: levelRect.Y},
		DispatchTime:  time.Now(),
	}
	w.slotQueue[i].Offer(item)
	return nil
}

func centeredRect(c pipeline.Point, w, h int) pipeline.Rect {
	return pipeline.Rect{X: c.X - w/2, Y: c.Y - h/2, W: w, H: h}
}

func cropImage(img ring.Image, r pipeline.Rect) (ring.Image, error) {
	x0, y0 := clamp(r.X, 0, img.Width), clamp(r.Y, 0, img.Height)
	x1, y1 := clamp(r.X+r.W, 0, img.Width), clamp(r.Y+r.H, 0, img.Height)
	if x1 <= x0 || y1 <= y0 {
		return ring.Image{}, fmt.Errorf("detector: empty crop rect %+v", r)
	}
	w, h := x1-x0, y1-y0
	out := make([]byte, w*h*img.Channels*img.Dtype.Size())
	rowBytes := w * img.Channels * img.Dtype.Size()
	srcRowBytes := img.Width * img.Channels * img.Dtype.Size()
	for row := 0; row < h; row++ {
		srcOff := (y0+row)*srcRowBytes + x0*img.Channels*img.Dtype.Size()
		copy(out[row*rowBytes:(row+1)*rowBytes], img.Pixels[srcOff:srcOff+rowBytes])
	}
	return ring.Image{Height: h, Width: w, Channels: img.Channels, Dtype: img.Dtype, Pixels: out}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toGrayscale(pixels []byte, width, height, channels int) []byte {
	gray := make([]byte, width*height)
	if channels == 1 {
		copy(gray, pixels[:width*height])
		return gray
	}
	for i := 0; i < width*height; i++ {
		off := i * channels
		r, g, b := int(pixels[off]), int(pixels[off+1]), int(pixels[off+2])
		gray[i] = byte((299*r + 587*g + 114*b) / 1000)
	}
	return gray
}
