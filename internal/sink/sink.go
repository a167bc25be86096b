// Package sink implements the abstract display sink from spec §6: Show
// pushes a composited image (or telemetry chart) to a viewer, a test
// in-memory buffer, or a file writer. The pipeline core never blocks on a
// slow sink (§4.7 backpressure rule): callers are expected to drop instead
// of waiting when Show would block, which is why Show itself is a
// best-effort, non-blocking-by-construction call for the in-memory sink.
package sink

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
)

// Sink is anywhere a composed frame or telemetry chart can be pushed.
type Sink interface {
	Show(img image.Image, windowName string) error
}

// Memory is an in-process sink for tests and headless deployments: it keeps
// only the most recent image per window name.
type Memory struct {
	mu      sync.Mutex
	latest  map[string]image.Image
	counts  map[string]int
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{latest: make(map[string]image.Image), counts: make(map[string]int)}
}

func (m *Memory) Show(img image.Image, windowName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[windowName] = img
	m.counts[windowName]++
	return nil
}

// Latest returns the most recently shown image for a window, if any.
func (m *Memory) Latest(windowName string) (image.Image, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.latest[windowName]
	return img, ok
}

// Count returns how many times Show was called for a window.
func (m *Memory) Count(windowName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[windowName]
}

// File writes each Show call as a JPEG under dir/<windowName>.jpg,
// overwriting the previous frame. Useful for headless smoke tests.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates a file sink rooted at dir (created if missing).
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink.File: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) Show(img image.Image, windowName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, windowName+".jpg")
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("sink.File: %w", err)
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 90}); err != nil {
		out.Close()
		return fmt.Errorf("sink.File: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("sink.File: %w", err)
	}
	return os.Rename(tmp, path)
}
