// Package telemetry implements the Telemetry worker (§4.8): it aggregates
// named (timestamp, value) samples from every other worker into a bounded
// per-series history, exposes them to Prometheus, and periodically
// composes a chart image for the display sink — all without ever blocking
// a producer, since it is the only consumer of its input queue.
//
// Grounded on the teacher's internal/driver/camera/metrics.go
// (promauto.NewGaugeVec/NewCounterVec/NewHistogramVec with a stable label
// set) and on Visualization/plotter.py from the original implementation
// (per-series enable flag + unit label driving what actually gets charted).
package telemetry

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/ringbuf"
	"github.com/bottlevision/pipeline/internal/sink"
	"github.com/bottlevision/pipeline/internal/worker"
)

// Sample is one (series, timestamp, value) observation.
type Sample struct {
	Series string
	T      time.Time
	Value  float64
}

// Point is one (relative-time, value) sample in a series' history.
type Point struct {
	TRel float64 // seconds since series creation
	V    float64
}

type series struct {
	unit    string
	enabled bool
	created time.Time
	history *ringbuf.Ring[Point]
	gauge   prometheus.Gauge
}

// Worker is the Telemetry aggregator.
type Worker struct {
	*worker.Base

	cfg   config.Telemetry
	input *queue.Queue[Sample]
	sink  sink.Sink

	mu       sync.Mutex
	series   map[string]*series
	registry *prometheus.Registry

	errorCounters *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// New creates a Telemetry worker. registry receives every per-series gauge
// and the fixed error/queue-depth vectors (§8's "errors/<category>" and
// "queue_depth{queue=...}" supplemented series).
func New(global *worker.GlobalStop, log *zap.Logger, cfg config.Telemetry, display sink.Sink, registry *prometheus.Registry) *Worker {
	w := &Worker{
		Base:     worker.New("telemetry", global, log, time.Second),
		cfg:      cfg,
		input:    queue.New[Sample]("telemetry_input", 1024, queue.DropOldest, 0),
		sink:     display,
		series:   make(map[string]*series),
		registry: registry,
		errorCounters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Categorized pipeline errors by category.",
		}, []string{"category"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current depth of a named pipeline queue.",
		}, []string{"queue"}),
	}
	if registry != nil {
		registry.MustRegister(w.errorCounters, w.queueDepth)
	}
	w.RegisterTask("ingest", w.ingestLoop)
	w.RegisterTask("render", w.renderLoop)
	return w
}

// Input returns the queue every worker submits samples to.
func (w *Worker) Input() *queue.Queue[Sample] { return w.input }

// CountError increments the errors/<category> counter (supplemented
// feature: a structured counter rather than an ad-hoc log line).
func (w *Worker) CountError(category string) {
	w.errorCounters.WithLabelValues(category).Inc()
}

// ObserveQueueDepth records a queue's current size for the queue_depth
// gauge (supplemented feature: queue-size introspection).
func (w *Worker) ObserveQueueDepth(name string, depth int) {
	w.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// Record submits one sample, non-blocking: it drops the oldest queued
// sample under sustained overload rather than stalling the caller.
func (w *Worker) Record(seriesName string, value float64) {
	w.input.Offer(Sample{Series: seriesName, T: time.Now(), Value: value})
}

func (w *Worker) ingestLoop(ctx context.Context) {
	for !w.ShouldStop() {
		pollCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		sample, ok := w.input.Poll(pollCtx)
		cancel()
		if !ok {
			continue
		}
		w.ingest(sample)
	}
}

func (w *Worker) ingest(sample Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.series[sample.Series]
	if !ok {
		s = &series{
			enabled: w.cfg.Enabled == nil || w.cfg.Enabled[sample.Series],
			created: sample.T,
			history: ringbuf.New[Point](w.cfg.MaxPoints),
		}
		if w.registry != nil {
			g := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "pipeline_series_" + sanitize(sample.Series),
				Help: "Latest value of telemetry series " + sample.Series,
			})
			if err := w.registry.Register(g); err == nil {
				s.gauge = g
			}
		}
		w.series[sample.Series] = s
	}
	s.history.Push(Point{TRel: sample.T.Sub(s.created).Seconds(), V: sample.Value})
	if s.gauge != nil {
		s.gauge.Set(sample.Value)
	}
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

// SetEnabled toggles whether a series is included in the composed chart
// (§3 "a disabled series accepts values but is not rendered").
func (w *Worker) SetEnabled(seriesName string, enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.series[seriesName]; ok {
		s.enabled = enabled
	}
}

// Snapshot returns the current points for a series, oldest first, without
// removing them from the series' history.
func (w *Worker) Snapshot(seriesName string) []Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.series[seriesName]
	if !ok {
		return nil
	}
	return snapshotOf(s)
}

func snapshotOf(s *series) []Point {
	out := make([]Point, 0, s.history.Len())
	s.history.Each(func(p Point) { out = append(out, p) })
	return out
}

func (w *Worker) renderLoop(ctx context.Context) {
	interval := w.cfg.Refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.ShouldStop() {
				return
			}
			w.composeChart()
		}
	}
}

// composeChart renders every enabled series as a simple sparkline strip and
// pushes it to the display sink. It never blocks: Show on the in-memory
// sink is O(1), and a slow external sink is the caller's problem, not ours.
func (w *Worker) composeChart() {
	w.mu.Lock()
	names := make([]string, 0, len(w.series))
	histories := make(map[string][]Point, len(w.series))
	for name, s := range w.series {
		if !s.enabled {
			continue
		}
		names = append(names, name)
		histories[name] = snapshotOf(s)
	}
	w.mu.Unlock()

	const width, height, rowHeight = 320, 60, 60
	img := image.NewRGBA(image.Rect(0, 0, width, height*len(names)+1))
	for i, name := range names {
		pts := histories[name]
		drawSparkline(img, pts, 0, i*rowHeight, width, rowHeight)
	}
	if w.sink != nil {
		w.sink.Show(img, "telemetry")
	}
}

func drawSparkline(img *image.RGBA, pts []Point, x0, y0, w, h int) {
	if len(pts) == 0 {
		return
	}
	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		if p.V < minV {
			minV = p.V
		}
		if p.V > maxV {
			maxV = p.V
		}
	}
	if maxV == minV {
		maxV = minV + 1
	}
	lineColor := color.RGBA{0, 200, 0, 255}
	for i, p := range pts {
		x := x0 + i*w/max(len(pts), 1)
		yNorm := (p.V - minV) / (maxV - minV)
		y := y0 + h - 1 - int(yNorm*float64(h-1))
		if x >= 0 && x < img.Bounds().Dx() && y >= y0 && y < y0+h {
			img.Set(x, y, lineColor)
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
