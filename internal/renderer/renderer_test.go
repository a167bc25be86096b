package renderer

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/queue"
	"github.com/bottlevision/pipeline/internal/ring"
	"github.com/bottlevision/pipeline/internal/sink"
	"github.com/bottlevision/pipeline/internal/worker"
)

func rendererConfig(deadlineMS int64) config.Renderer {
	cfg := config.Renderer{DeadlineMS: deadlineMS}
	cfg.Check()
	return cfg
}

func setup(t *testing.T) (*ring.Registry, *queue.Queue[pipeline.RendererMessage]) {
	t.Helper()
	reg := ring.NewRegistry()
	reg.Create("process_data", 1, 1, ring.Shape{Height: 10, Width: 10, Channels: 3}, ring.Uint8)
	pixels := make([]byte, 10*10*3)
	reg.Write("process_data", 0, []ring.Image{{Height: 10, Width: 10, Channels: 3, Dtype: ring.Uint8, Pixels: pixels}})
	input := queue.New[pipeline.RendererMessage]("renderer_in", 30, queue.BlockThenDrop, 10*time.Millisecond)
	return reg, input
}

func TestRendererCompletesOnAllExpectedSlots(t *testing.T) {
	reg, input := setup(t)
	mem := sink.NewMemory()
	w := New(worker.NewGlobalStop(), zap.NewNop(), rendererConfig(200), Deps{Rings: reg, Input: input, Sink: mem})
	w.Run()
	defer w.Stop()

	input.Offer(pipeline.RendererMessage{Envelope: &pipeline.Envelope{
		FrameID: 1, RingSlot: 0,
		ExpectedSlots: map[pipeline.SlotID]struct{}{1: {}},
		CaptureTime:   time.Now(),
	}})
	input.Offer(pipeline.RendererMessage{Partial: &pipeline.PartialResult{FrameID: 1, SlotID: 1}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mem.Count("pipeline") > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("renderer never pushed a composed frame once all expected slots arrived")
}

func TestRendererZeroExpectedSlotsCompletesImmediately(t *testing.T) {
	reg, input := setup(t)
	mem := sink.NewMemory()
	w := New(worker.NewGlobalStop(), zap.NewNop(), rendererConfig(200), Deps{Rings: reg, Input: input, Sink: mem})
	w.Run()
	defer w.Stop()

	input.Offer(pipeline.RendererMessage{Envelope: &pipeline.Envelope{
		FrameID: 1, RingSlot: 0,
		ExpectedSlots: map[pipeline.SlotID]struct{}{},
		CaptureTime:   time.Now(),
	}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mem.Count("pipeline") > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("an envelope with no expected slots should still display the bare frame")
}

func TestRendererDrainsPartialOnDeadline(t *testing.T) {
	reg, input := setup(t)
	mem := sink.NewMemory()
	w := New(worker.NewGlobalStop(), zap.NewNop(), rendererConfig(20), Deps{Rings: reg, Input: input, Sink: mem})
	w.Run()
	defer w.Stop()

	input.Offer(pipeline.RendererMessage{Envelope: &pipeline.Envelope{
		FrameID: 1, RingSlot: 0,
		ExpectedSlots: map[pipeline.SlotID]struct{}{1: {}, 2: {}},
		CaptureTime:   time.Now(),
	}})
	input.Offer(pipeline.RendererMessage{Partial: &pipeline.PartialResult{FrameID: 1, SlotID: 1}})
	// slot 2 never arrives: the deadline sweeper must drain the assembly anyway.

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mem.Count("pipeline") > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("renderer should drain an incomplete assembly once its deadline expires")
}

func TestRendererDiscardsLatePartialAfterFinish(t *testing.T) {
	reg, input := setup(t)
	mem := sink.NewMemory()
	w := New(worker.NewGlobalStop(), zap.NewNop(), rendererConfig(200), Deps{Rings: reg, Input: input, Sink: mem})
	w.Run()
	defer w.Stop()

	input.Offer(pipeline.RendererMessage{Envelope: &pipeline.Envelope{
		FrameID: 1, RingSlot: 0,
		ExpectedSlots: map[pipeline.SlotID]struct{}{1: {}},
		CaptureTime:   time.Now(),
	}})
	input.Offer(pipeline.RendererMessage{Partial: &pipeline.PartialResult{FrameID: 1, SlotID: 1}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && mem.Count("pipeline") == 0 {
		time.Sleep(time.Millisecond)
	}
	if mem.Count("pipeline") != 1 {
		t.Fatalf("expected exactly one composed frame before the late partial, got %d", mem.Count("pipeline"))
	}

	// Slot 3's result for the same frame_id arrives late, after finish() has
	// already deleted the assembly and freed its ring slot. It must be
	// dropped, not spawn a zombie assembly that re-reads the ring later.
	input.Offer(pipeline.RendererMessage{Partial: &pipeline.PartialResult{FrameID: 1, SlotID: 3}})

	time.Sleep(50 * time.Millisecond) // longer than sweepInterval, to let a zombie (if any) be swept
	if got := mem.Count("pipeline"); got != 1 {
		t.Fatalf("late partial for a finished frame must not produce a second render, got count=%d", got)
	}
	w.mu.Lock()
	_, zombie := w.assemblies[1]
	w.mu.Unlock()
	if zombie {
		t.Fatal("late partial must not resurrect an assembly for an already-finished frame_id")
	}
}

func TestRendererOrderedModeEmitsInFrameOrder(t *testing.T) {
	reg, input := setup(t)
	mem := sink.NewMemory()
	cfg := rendererConfig(200)
	cfg.Ordered = true
	w := New(worker.NewGlobalStop(), zap.NewNop(), cfg, Deps{Rings: reg, Input: input, Sink: mem})
	w.Run()
	defer w.Stop()

	// Frame 1 is opened (still incomplete, needs slot 1) before frame 2
	// completes: ordered mode must hold frame 2 back until frame 1 drains.
	input.Offer(pipeline.RendererMessage{Envelope: &pipeline.Envelope{FrameID: 1, RingSlot: 0, ExpectedSlots: map[pipeline.SlotID]struct{}{1: {}}, CaptureTime: time.Now()}})
	time.Sleep(5 * time.Millisecond)
	input.Offer(pipeline.RendererMessage{Envelope: &pipeline.Envelope{FrameID: 2, RingSlot: 0, ExpectedSlots: map[pipeline.SlotID]struct{}{}, CaptureTime: time.Now()}})
	time.Sleep(5 * time.Millisecond)
	if mem.Count("pipeline") != 0 {
		t.Fatal("frame 2 should not be emitted before frame 1 in ordered mode")
	}
	input.Offer(pipeline.RendererMessage{Partial: &pipeline.PartialResult{FrameID: 1, SlotID: 1}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mem.Count("pipeline") == 2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected both frames eventually emitted in order, got count=%d", mem.Count("pipeline"))
}
