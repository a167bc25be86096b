package ring

import (
	"bytes"
	"sync"
	"testing"
)

func testShape() Shape { return Shape{Height: 4, Width: 4, Channels: 1} }

func samplePixels(val byte) []byte {
	buf := make([]byte, 4*4*1)
	for i := range buf {
		buf[i] = val
	}
	return buf
}

func TestWriteReadRoundTrip(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Create("camera_data", 1, 1, testShape(), Uint8); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in := []Image{{Height: 4, Width: 4, Channels: 1, Dtype: Uint8, Pixels: samplePixels(42)}}
	if _, err := reg.Write("camera_data", 0, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := reg.Read("camera_data", 0, -1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Read returned %d images, want %d", len(out), len(in))
	}
	if !bytes.Equal(out[0].Pixels, in[0].Pixels) {
		t.Fatalf("pixel mismatch after round trip")
	}
	if err := reg.Release("camera_data", 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	state, _ := reg.State("camera_data", 0)
	if state != Free {
		t.Fatalf("state after release = %v, want Free", state)
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	reg := NewRegistry()
	reg.Create("r", 1, 1, testShape(), Uint8)
	reg.Write("r", 0, []Image{{Height: 4, Width: 4, Channels: 1, Dtype: Uint8, Pixels: samplePixels(1)}})
	reg.Read("r", 0, -1)
	if err := reg.Release("r", 0); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := reg.Release("r", 0); err != nil {
		t.Fatalf("second Release should be a no-op, got error: %v", err)
	}
	state, _ := reg.State("r", 0)
	if state != Free {
		t.Fatalf("state after double release = %v, want Free", state)
	}
}

func TestWriteTooManyImagesFails(t *testing.T) {
	reg := NewRegistry()
	reg.Create("r", 1, 1, testShape(), Uint8)
	imgs := []Image{
		{Height: 4, Width: 4, Channels: 1, Dtype: Uint8, Pixels: samplePixels(1)},
		{Height: 4, Width: 4, Channels: 1, Dtype: Uint8, Pixels: samplePixels(2)},
	}
	if _, err := reg.Write("r", 0, imgs); err == nil {
		t.Fatal("expected error writing more images than max_images")
	}
	state, _ := reg.State("r", 0)
	if state != Free {
		t.Fatalf("failed write should leave slot Free, got %v", state)
	}
}

func TestWriteOversizeImageFails(t *testing.T) {
	reg := NewRegistry()
	reg.Create("r", 1, 1, testShape(), Uint8)
	big := Image{Height: 8, Width: 8, Channels: 1, Dtype: Uint8, Pixels: samplePixels(1)}
	if _, err := reg.Write("r", 0, []Image{big}); err == nil {
		t.Fatal("expected error writing oversize image")
	}
}

func TestReadFreeSlotFails(t *testing.T) {
	reg := NewRegistry()
	reg.Create("r", 1, 1, testShape(), Uint8)
	if _, err := reg.Read("r", 0, -1); err == nil {
		t.Fatal("expected error reading a Free slot")
	}
}

func TestWriteWhileReadingFails(t *testing.T) {
	reg := NewRegistry()
	reg.Create("r", 1, 1, testShape(), Uint8)
	reg.Write("r", 0, []Image{{Height: 4, Width: 4, Channels: 1, Dtype: Uint8, Pixels: samplePixels(1)}})
	reg.Read("r", 0, -1)
	if _, err := reg.Write("r", 0, []Image{{Height: 4, Width: 4, Channels: 1, Dtype: Uint8, Pixels: samplePixels(2)}}); err == nil {
		t.Fatal("expected write to fail while slot is being read")
	}
	reg.Release("r", 0)
}

func TestConcurrentReaders(t *testing.T) {
	reg := NewRegistry()
	reg.Create("r", 1, 1, testShape(), Uint8)
	reg.Write("r", 0, []Image{{Height: 4, Width: 4, Channels: 1, Dtype: Uint8, Pixels: samplePixels(9)}})

	// Every reader holds its read until all eight have read, so the slot is
	// only freed by the last of them.
	var wg, reads sync.WaitGroup
	reads.Add(8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Read("r", 0, -1)
			reads.Done()
			if err != nil {
				t.Errorf("concurrent Read: %v", err)
				return
			}
			reads.Wait()
			reg.Release("r", 0)
		}()
	}
	wg.Wait()
	state, _ := reg.State("r", 0)
	if state != Free {
		t.Fatalf("state after all readers release = %v, want Free", state)
	}
}
