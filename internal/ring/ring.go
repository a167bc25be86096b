// Package ring implements the shared-memory image ring described in spec §4.1:
// a set of named rings, each a fixed array of fixed-capacity slots, carrying
// large pixel buffers between pipeline workers without per-frame copies.
//
// The design mirrors the teacher's internal/driver/jpeg.Pool /
// internal/driver/jpeg.jpegPool: a per-slot state machine guarded by a
// mutex + condition variable, readers tracked by a count, writers requiring
// exclusive (Free) access. Unlike the teacher (which only ever holds one
// compressed image per slot), each ring slot here holds 1..max_images
// sub-images packed back-to-back with deterministic padded offsets, per the
// binary layout in §4.1.
package ring

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bottlevision/pipeline/internal/pipeline"
)

// SlotState is the per-slot lifecycle state from §3's ImageRing invariant.
type SlotState int

const (
	Free SlotState = iota
	Writing
	Ready
	Reading
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "free"
	case Writing:
		return "writing"
	case Ready:
		return "ready"
	case Reading:
		return "reading"
	default:
		return "unknown"
	}
}

// headerSize is the per-image header: u32 h, u32 w, u32 c, u8 dtype.
const headerSize = 4 + 4 + 4 + 1

type ringSlot struct {
	mu      sync.Mutex
	cond    *sync.Cond
	state   SlotState
	readers int
	buffer  []byte // fixed capacity, laid out per §4.1
	count   int    // number of images currently written
}

// Ring is one named shared-image ring: capacity slots, each sized for up to
// maxImages images of at most maxShape, stored as elemType.
type Ring struct {
	name      string
	maxImages int
	maxShape  Shape
	elemType  ElementType
	slotSize  int
	slots     []*ringSlot
}

func newRing(name string, capacity, maxImages int, maxShape Shape, elemType ElementType) *Ring {
	perImage := headerSize + maxShape.Bytes(elemType)
	slotSize := 4 + maxImages*perImage // leading u32 image count
	r := &Ring{
		name:      name,
		maxImages: maxImages,
		maxShape:  maxShape,
		elemType:  elemType,
		slotSize:  slotSize,
		slots:     make([]*ringSlot, capacity),
	}
	for i := range r.slots {
		s := &ringSlot{buffer: make([]byte, slotSize)}
		s.cond = sync.NewCond(&s.mu)
		r.slots[i] = s
	}
	return r
}

// Capacity returns the number of slots in this ring.
func (r *Ring) Capacity() int { return len(r.slots) }

// SlotBytes returns the fixed byte size of every slot in this ring, useful
// for capacity planning / telemetry (P4: bounded memory).
func (r *Ring) SlotBytes() int { return r.slotSize }

func (r *Ring) slotAt(index int) (*ringSlot, error) {
	if index < 0 || index >= len(r.slots) {
		return nil, fmt.Errorf("ring %q: slot index %d out of range [0,%d)", r.name, index, len(r.slots))
	}
	return r.slots[index], nil
}

// Handle identifies a written slot so a reader can later Read/Release it.
type Handle struct {
	Ring string
	Slot int
}

// Registry owns every named ring created for a pipeline deployment (§4.9:
// "Build queue fabric and image ring from a declared schema").
type Registry struct {
	mu    sync.RWMutex
	rings map[string]*Ring
}

// NewRegistry creates an empty ring registry.
func NewRegistry() *Registry {
	return &Registry{rings: make(map[string]*Ring)}
}

// Create declares a new named ring. Returns CategoryResourceUnavailable if
// the name already exists or parameters are invalid — this is the one ring
// failure mode that propagates to the orchestrator (§7 category 1).
func (reg *Registry) Create(name string, capacity, maxImages int, maxShape Shape, elemType ElementType) error {
	if capacity <= 0 || maxImages <= 0 {
		return pipeline.NewError(pipeline.CategoryResourceUnavailable, "ring.create",
			fmt.Errorf("ring %q: capacity and maxImages must be positive", name))
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rings[name]; exists {
		return pipeline.NewError(pipeline.CategoryResourceUnavailable, "ring.create",
			fmt.Errorf("ring %q already exists", name))
	}
	reg.rings[name] = newRing(name, capacity, maxImages, maxShape, elemType)
	return nil
}

func (reg *Registry) get(name string) (*Ring, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rings[name]
	if !ok {
		return nil, pipeline.NewError(pipeline.CategoryResourceUnavailable, "ring.lookup",
			fmt.Errorf("ring %q not found", name))
	}
	return r, nil
}

// Write encodes images into the given slot of the named ring, per the
// binary layout in §4.1. Fails (without blocking) if the slot is not Free,
// if too many images are given, if any image exceeds the declared max
// shape, or if the element type doesn't match. A writer that fails mid-way
// leaves the slot cleared back to Free.
func (reg *Registry) Write(name string, slotIndex int, images []Image) (Handle, error) {
	r, err := reg.get(name)
	if err != nil {
		return Handle{}, err
	}
	slot, err := r.slotAt(slotIndex)
	if err != nil {
		return Handle{}, err
	}
	if len(images) > r.maxImages {
		return Handle{}, pipeline.NewError(pipeline.CategoryInvalidShape, "ring.write",
			fmt.Errorf("ring %q: %d images exceeds max_images %d", name, len(images), r.maxImages))
	}

	slot.mu.Lock()
	if slot.state != Free {
		busy := slot.state
		slot.mu.Unlock()
		return Handle{}, pipeline.NewError(pipeline.CategoryBackpressure, "ring.write",
			fmt.Errorf("ring %q slot %d: not free (state=%s)", name, slotIndex, busy))
	}
	slot.state = Writing
	slot.mu.Unlock()

	if err := r.encode(slot, images); err != nil {
		slot.mu.Lock()
		slot.state = Free
		slot.count = 0
		slot.mu.Unlock()
		return Handle{}, err
	}

	slot.mu.Lock()
	slot.state = Ready
	slot.count = len(images)
	slot.mu.Unlock()
	return Handle{Ring: name, Slot: slotIndex}, nil
}

func (r *Ring) encode(slot *ringSlot, images []Image) error {
	buf := slot.buffer
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(images)))
	offset := 4
	perImage := headerSize + r.maxShape.Bytes(r.elemType)
	for _, img := range images {
		if img.Dtype != r.elemType {
			return pipeline.NewError(pipeline.CategoryInvalidType, "ring.write",
				fmt.Errorf("ring %q: image dtype %s != ring dtype %s", r.name, img.Dtype, r.elemType))
		}
		if !r.maxShape.Fits(img.Height, img.Width, img.Channels) {
			return pipeline.NewError(pipeline.CategoryInvalidShape, "ring.write",
				fmt.Errorf("ring %q: image %dx%dx%d exceeds max %dx%dx%d", r.name,
					img.Height, img.Width, img.Channels,
					r.maxShape.Height, r.maxShape.Width, r.maxShape.Channels))
		}
		binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(img.Height))
		binary.LittleEndian.PutUint32(buf[offset+4:offset+8], uint32(img.Width))
		binary.LittleEndian.PutUint32(buf[offset+8:offset+12], uint32(img.Channels))
		buf[offset+12] = byte(img.Dtype)
		pixOffset := offset + headerSize
		n := copy(buf[pixOffset:pixOffset+r.maxShape.Bytes(r.elemType)], img.Pixels)
		// zero any remainder of the pixel region that the source image didn't fill
		for i := pixOffset + n; i < pixOffset+r.maxShape.Bytes(r.elemType); i++ {
			buf[i] = 0
		}
		offset += perImage
	}
	return nil
}

// Read returns a snapshot of up to n images from the given slot (n<=0 means
// all images). The returned Pixels slices alias the ring's internal buffer
// (zero-copy); callers must Release the handle once done and must not
// retain Pixels past that call.
func (reg *Registry) Read(name string, slotIndex int, n int) ([]Image, error) {
	r, err := reg.get(name)
	if err != nil {
		return nil, err
	}
	slot, err := r.slotAt(slotIndex)
	if err != nil {
		return nil, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state != Ready && slot.state != Reading {
		state := slot.state
		return nil, pipeline.NewError(pipeline.CategoryInvalidShape, "ring.read",
			fmt.Errorf("ring %q slot %d: not readable (state=%s)", name, slotIndex, state))
	}
	slot.state = Reading
	slot.readers++

	count := slot.count
	if n > 0 && n < count {
		count = n
	}
	out := make([]Image, 0, count)
	buf := slot.buffer
	offset := 4
	perImage := headerSize + r.maxShape.Bytes(r.elemType)
	for i := 0; i < count; i++ {
		h := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		w := int(binary.LittleEndian.Uint32(buf[offset+4 : offset+8]))
		c := int(binary.LittleEndian.Uint32(buf[offset+8 : offset+12]))
		dtype := ElementType(buf[offset+12])
		pixOffset := offset + headerSize
		size := h * w * c * dtype.Size()
		out = append(out, Image{
			Height:   h,
			Width:    w,
			Channels: c,
			Dtype:    dtype,
			Pixels:   buf[pixOffset : pixOffset+size],
		})
		offset += perImage
	}
	return out, nil
}

// Release decrements the slot's reader count, freeing it once no readers
// remain. Double-release is a no-op (L2: idempotent free state); it is not
// logged and returns nil.
func (reg *Registry) Release(name string, slotIndex int) error {
	r, err := reg.get(name)
	if err != nil {
		return err
	}
	slot, err := r.slotAt(slotIndex)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state != Reading || slot.readers == 0 {
		return nil // double-release: no-op
	}
	slot.readers--
	if slot.readers == 0 {
		slot.state = Free
		slot.cond.Broadcast()
	}
	return nil
}

// Capacity returns the number of slots in the named ring, or 0 if the ring
// doesn't exist.
func (reg *Registry) Capacity(name string) int {
	r, err := reg.get(name)
	if err != nil {
		return 0
	}
	return r.Capacity()
}

// ForceRelease resets every slot in every ring back to Free, regardless of
// outstanding readers or writers. Called once by the orchestrator after
// every worker has joined (§4.9 "force-release ring resources"); safe only
// once no goroutine still holds a Read/Write handle.
func (reg *Registry) ForceRelease() {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, r := range reg.rings {
		for _, s := range r.slots {
			s.mu.Lock()
			s.state = Free
			s.readers = 0
			s.count = 0
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// State returns the current state of a slot, mostly for tests/telemetry.
func (reg *Registry) State(name string, slotIndex int) (SlotState, error) {
	r, err := reg.get(name)
	if err != nil {
		return 0, err
	}
	slot, err := r.slotAt(slotIndex)
	if err != nil {
		return 0, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.state, nil
}
