package netsource

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net"
	"testing"
	"time"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestHandshakeThenFrameDelivery(t *testing.T) {
	src, err := New("127.0.0.1:0", 64, 64, 80, 30)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	addr := src.listener.Addr().String()

	clientDone := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			clientDone <- err
			return
		}
		defer conn.Close()
		// Read the server's initial parameter frame, then ACK it.
		if _, _, err := readFrame(conn); err != nil {
			clientDone <- err
			return
		}
		if err := writeFrame(conn, msgTypeParams, []byte("ACK\r\n")); err != nil {
			clientDone <- err
			return
		}
		clientDone <- writeFrame(conn, msgTypeImage, encodeJPEG(t, 8, 8))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	img, err := src.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if img.Width != 8 || img.Height != 8 {
		t.Fatalf("decoded image %dx%d, want 8x8", img.Width, img.Height)
	}
	if err := <-clientDone; err != nil {
		t.Fatalf("client goroutine: %v", err)
	}
	if src.State() != Streaming {
		t.Fatalf("state = %v, want Streaming", src.State())
	}
}

func TestSubsequentParamFrameIsConsumedSilently(t *testing.T) {
	src, err := New("127.0.0.1:0", 64, 64, 80, 30)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	addr := src.listener.Addr().String()

	clientDone := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			clientDone <- err
			return
		}
		defer conn.Close()
		readFrame(conn)
		if err := writeFrame(conn, msgTypeParams, []byte("ACK\r\n")); err != nil {
			clientDone <- err
			return
		}
		if err := writeFrame(conn, msgTypeParams, []byte("ignored,update\r\n")); err != nil {
			clientDone <- err
			return
		}
		clientDone <- writeFrame(conn, msgTypeImage, encodeJPEG(t, 4, 4))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err = src.Acquire(ctx); err != nil {
		t.Fatalf("Acquire should transparently skip the extra parameter frame: %v", err)
	}
	if err := <-clientDone; err != nil {
		t.Fatalf("client goroutine: %v", err)
	}
}
