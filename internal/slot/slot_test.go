package slot

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/ring"
	"github.com/bottlevision/pipeline/internal/worker"
)

type allHorizontalFinder struct{}

func (allHorizontalFinder) FindLines(gray []byte, w, h int, p config.Slot) []pipeline.Line {
	return []pipeline.Line{{X1: 0, Y1: 5, X2: w - 1, Y2: 5}, {X1: 0, Y1: 2, X2: w - 1, Y2: 2}}
}

func testSlotConfig() config.Slot {
	cfg := config.Slot{}
	cfg.Check()
	return cfg
}

func setup(t *testing.T) (*ring.Registry, *queue.Queue[pipeline.WorkItem], *queue.Queue[pipeline.RendererMessage]) {
	t.Helper()
	reg := ring.NewRegistry()
	shape := ring.Shape{Height: 40, Width: 60, Channels: 1}
	reg.Create("process_data_cap_0", 1, 1, shape, ring.Uint8)
	reg.Create("process_data_level_0", 1, 1, shape, ring.Uint8)
	input := queue.New[pipeline.WorkItem]("slot0_in", 30, queue.DropOldest, 0)
	rendererQ := queue.New[pipeline.RendererMessage]("renderer_in", 30, queue.BlockThenDrop, 10*time.Millisecond)
	return reg, input, rendererQ
}

func TestSlotEmitsSortedLevelLines(t *testing.T) {
	reg, input, rendererQ := setup(t)
	pixels := make([]byte, 40*60)
	reg.Write("process_data_cap_0", 0, []ring.Image{{Height: 40, Width: 60, Channels: 1, Dtype: ring.Uint8, Pixels: pixels}})
	reg.Write("process_data_level_0", 0, []ring.Image{{Height: 40, Width: 60, Channels: 1, Dtype: ring.Uint8, Pixels: pixels}})

	deps := Deps{Rings: reg, Input: input, RendererQueue: rendererQ}
	w := New(0, worker.NewGlobalStop(), zap.NewNop(), testSlotConfig(), deps, allHorizontalFinder{})
	w.Run()
	defer w.Stop()

	input.Offer(pipeline.WorkItem{FrameID: 1, SlotID: 1, CapRingName: "process_data_cap_0", LevelRingName: "process_data_level_0", DispatchTime: time.Now()})

	deadline := time.Now().Add(time.Second)
	var msg pipeline.RendererMessage
	var ok bool
	for time.Now().Before(deadline) {
		msg, ok = rendererQ.TryPoll()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ok || msg.Partial == nil {
		t.Fatal("expected a PartialResult on the renderer queue")
	}
	if len(msg.Partial.LevelLines) != 2 {
		t.Fatalf("got %d level lines, want 2", len(msg.Partial.LevelLines))
	}
	top, ok := msg.Partial.TopLevelLine()
	if !ok || top.Y1 != 2 {
		t.Fatalf("topmost level line Y1 = %v, want 2 (sorted ascending)", top.Y1)
	}
}

func TestSlotReadFailureProducesEmptyResult(t *testing.T) {
	reg, input, rendererQ := setup(t)
	deps := Deps{Rings: reg, Input: input, RendererQueue: rendererQ}
	w := New(0, worker.NewGlobalStop(), zap.NewNop(), testSlotConfig(), deps, allHorizontalFinder{})
	w.Run()
	defer w.Stop()

	// Cap ring slot is still Free (nothing written), so Read will fail.
	input.Offer(pipeline.WorkItem{FrameID: 1, SlotID: 1, CapRingName: "process_data_cap_0", LevelRingName: "process_data_level_0", DispatchTime: time.Now()})

	deadline := time.Now().Add(time.Second)
	var msg pipeline.RendererMessage
	var ok bool
	for time.Now().Before(deadline) {
		msg, ok = rendererQ.TryPoll()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ok || msg.Partial == nil {
		t.Fatal("a failed ring read must still produce a PartialResult, not silence")
	}
	if !msg.Partial.Empty {
		t.Fatal("PartialResult.Empty should be true when the ring read fails")
	}
}
