package telemetry

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/sink"
	"github.com/bottlevision/pipeline/internal/worker"
)

func testConfig() config.Telemetry {
	cfg := config.Telemetry{MaxPoints: 4, RefreshMS: 10}
	cfg.Check()
	return cfg
}

func TestRecordAndSnapshot(t *testing.T) {
	w := New(worker.NewGlobalStop(), zap.NewNop(), testConfig(), sink.NewMemory(), nil)
	w.Run()
	defer w.Stop()

	w.Record("fps", 30)
	w.Record("fps", 31)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(w.Snapshot("fps")) == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	pts := w.Snapshot("fps")
	if len(pts) != 2 {
		t.Fatalf("Snapshot returned %d points, want 2", len(pts))
	}
	if pts[0].V != 30 || pts[1].V != 31 {
		t.Fatalf("unexpected values: %+v", pts)
	}
}

func TestHistoryBoundedByMaxPoints(t *testing.T) {
	w := New(worker.NewGlobalStop(), zap.NewNop(), testConfig(), sink.NewMemory(), nil)
	w.Run()
	defer w.Stop()

	for i := 0; i < 10; i++ {
		w.Record("fps", float64(i))
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pts := w.Snapshot("fps"); len(pts) == 4 && pts[3].V == 9 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	pts := w.Snapshot("fps")
	if len(pts) != 4 {
		t.Fatalf("Snapshot returned %d points, want max_points=4", len(pts))
	}
	if pts[len(pts)-1].V != 9 {
		t.Fatalf("newest point = %v, want 9 (newest-wins eviction)", pts[len(pts)-1].V)
	}
}

func TestDisabledSeriesStillAccumulates(t *testing.T) {
	cfg := config.Telemetry{MaxPoints: 4, RefreshMS: 10, Enabled: map[string]bool{"fps": false}}
	cfg.Check()
	w := New(worker.NewGlobalStop(), zap.NewNop(), cfg, sink.NewMemory(), nil)
	w.Run()
	defer w.Stop()

	w.Record("fps", 1)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(w.Snapshot("fps")) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(w.Snapshot("fps")) != 1 {
		t.Fatal("disabled series should still accept values (only rendering is skipped)")
	}
}

func TestChartComposedToSink(t *testing.T) {
	mem := sink.NewMemory()
	w := New(worker.NewGlobalStop(), zap.NewNop(), testConfig(), mem, nil)
	w.Run()
	defer w.Stop()

	w.Record("fps", 30)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mem.Count("telemetry") > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("telemetry chart was never pushed to the display sink")
}
