package orchestrator

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/capture"
	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/sink"
)

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fixture.jpg")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 0, 255})
		}
	}
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Capture = config.Capture{Source: "static_file", TargetFPS: 200, Width: 64, Height: 64}
	cfg.Check()
	return cfg
}

func TestOrchestratorBuildsFabricAndWiresAllWorkers(t *testing.T) {
	cfg := testConfig()
	mem := sink.NewMemory()
	reg := prometheus.NewRegistry()
	src := capture.NewStaticFileSource(writeFixture(t, t.TempDir()))

	o, err := New(zap.NewNop(), cfg, Deps{Source: src, Display: mem, Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wantWorkers := []string{"telemetry", "capture", "detector", "slot0", "slot1", "slot2", "slot3", "renderer"}
	for _, name := range wantWorkers {
		if _, ok := o.workers[name]; !ok {
			t.Errorf("expected worker %q to be registered", name)
		}
	}
	if o.Fabric().Rings.Capacity("camera_data") == 0 {
		t.Fatal("expected camera_data ring to be created with nonzero capacity")
	}
}

func TestOrchestratorStartAndShutdownDrainsCleanly(t *testing.T) {
	cfg := testConfig()
	mem := sink.NewMemory()
	reg := prometheus.NewRegistry()
	src := capture.NewStaticFileSource(writeFixture(t, t.TempDir()))

	o, err := New(zap.NewNop(), cfg, Deps{Source: src, Display: mem, Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mem.Count("pipeline") > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mem.Count("pipeline") == 0 {
		t.Fatal("expected at least one composed frame to reach the display sink")
	}

	done := make(chan struct{})
	go func() {
		o.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return within its grace window")
	}
}

func TestNewFailsWithoutCaptureSourceWhenCaptureEnabled(t *testing.T) {
	cfg := testConfig()
	mem := sink.NewMemory()
	reg := prometheus.NewRegistry()

	if _, err := New(zap.NewNop(), cfg, Deps{Source: nil, Display: mem, Registry: reg}); err == nil {
		t.Fatal("expected an error when the capture worker is enabled with no source")
	}
}
