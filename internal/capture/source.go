// Package capture implements the Capture worker (§4.4): it pulls frames
// from a pluggable Source, publishes each into the "camera_data" ring, and
// offers a correlator to the Detector input queue.
//
// Source implementations are grounded on the teacher's
// internal/driver/dirsource (fsnotify-driven "serve the newest file in a
// watched directory") for FolderSource, generalized here into the
// supplemented frame-rotation test harness named in SPEC_FULL.md.
package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bottlevision/pipeline/internal/pipeline"
	"github.com/bottlevision/pipeline/internal/ring"
)

// Source is anywhere Capture pulls a frame from.
type Source interface {
	Acquire(ctx context.Context) (ring.Image, error)
	Close() error
}

func decodeToImage(path string) (ring.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return ring.Image{}, pipeline.NewError(pipeline.CategoryResourceUnavailable, "capture.open", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return ring.Image{}, pipeline.NewError(pipeline.CategoryInvalidType, "capture.decode", err)
	}
	return toRingImage(img), nil
}

func toRingImage(img image.Image) ring.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pixels := make([]byte, w*h*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			pixels[i] = byte(r >> 8)
			pixels[i+1] = byte(g >> 8)
			pixels[i+2] = byte(b >> 8)
			i += 3
		}
	}
	return ring.Image{Height: h, Width: w, Channels: 3, Dtype: ring.Uint8, Pixels: pixels}
}

// StaticFileSource replays a single fixed image file forever. This is the
// "static_file" source selector from §4.4/§6, and doubles as the
// frame-rotation test harness supplemented from the original plotting
// tooling: tests can point it at a small fixture image without any live
// camera or network peer.
type StaticFileSource struct {
	path string
}

// NewStaticFileSource creates a source that repeatedly serves the same
// decoded image.
func NewStaticFileSource(path string) *StaticFileSource {
	return &StaticFileSource{path: path}
}

func (s *StaticFileSource) Acquire(ctx context.Context) (ring.Image, error) {
	return decodeToImage(s.path)
}

func (s *StaticFileSource) Close() error { return nil }

// FolderSource watches a directory and serves whichever file is newest,
// falling back to a periodic rescan if fsnotify events are missed (mirrors
// the teacher's dirsource.Watcher: recursive watch plus a 5-minute
// failsafe rescan).
type FolderSource struct {
	dir     string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	newest string
	modt   time.Time

	stop chan struct{}
}

// NewFolderSource creates a folder-watching source rooted at dir.
func NewFolderSource(dir string) (*FolderSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, pipeline.NewError(pipeline.CategoryResourceUnavailable, "capture.folder", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, pipeline.NewError(pipeline.CategoryResourceUnavailable, "capture.folder", err)
	}
	fs := &FolderSource{dir: dir, watcher: w, stop: make(chan struct{})}
	fs.rescan()
	go fs.watchLoop()
	return fs, nil
}

func (fs *FolderSource) watchLoop() {
	rescan := time.NewTicker(5 * time.Minute)
	defer rescan.Stop()
	for {
		select {
		case <-fs.stop:
			return
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				fs.consider(event.Name)
			}
		case <-rescan.C:
			fs.rescan()
		case _, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (fs *FolderSource) consider(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if info.ModTime().After(fs.modt) {
		fs.newest, fs.modt = path, info.ModTime()
	}
}

func (fs *FolderSource) rescan() {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		ii, _ := entries[i].Info()
		jj, _ := entries[j].Info()
		if ii == nil || jj == nil {
			return false
		}
		return ii.ModTime().After(jj.ModTime())
	})
	if len(entries) == 0 {
		return
	}
	info, err := entries[0].Info()
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.newest, fs.modt = filepath.Join(fs.dir, entries[0].Name()), info.ModTime()
	fs.mu.Unlock()
}

func (fs *FolderSource) Acquire(ctx context.Context) (ring.Image, error) {
	fs.mu.Lock()
	path := fs.newest
	fs.mu.Unlock()
	if path == "" {
		return ring.Image{}, pipeline.NewError(pipeline.CategorySourceDisconnected, "capture.folder", fmt.Errorf("no file available in %s", fs.dir))
	}
	return decodeToImage(path)
}

func (fs *FolderSource) Close() error {
	close(fs.stop)
	return fs.watcher.Close()
}
