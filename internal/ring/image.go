package ring

import "fmt"

// ElementType is the pixel element type carried by an Image, mirroring the
// dtype_code byte in the ring's binary layout (§4.1).
type ElementType uint8

const (
	Uint8 ElementType = iota
	Uint16
	Float32
)

// Size returns the size in bytes of one element of this type.
func (e ElementType) Size() int {
	switch e {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

func (e ElementType) String() string {
	switch e {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("ElementType(%d)", uint8(e))
	}
}

// Shape is the (height, width, channels) bound declared for a ring.
type Shape struct {
	Height, Width, Channels int
}

// Bytes returns the number of bytes a single image of this shape occupies
// for the given element type.
func (s Shape) Bytes(elem ElementType) int {
	return s.Height * s.Width * s.Channels * elem.Size()
}

// Fits reports whether img fits within the declared maximum shape.
func (s Shape) Fits(h, w, c int) bool {
	return h <= s.Height && w <= s.Width && c <= s.Channels
}

// Image is a single frame's pixel data plus its real (not padded) shape.
// Pixels returned from Read alias the ring's internal buffer directly (the
// zero-copy guarantee from §4.1); callers must not retain Pixels past the
// matching Release call.
type Image struct {
	Height, Width, Channels int
	Dtype                   ElementType
	Pixels                  []byte
}

// Size returns the number of meaningful bytes (Height*Width*Channels*elemsize),
// which may be less than len(Pixels) if Pixels aliases a padded slot region.
func (img Image) Size() int {
	return img.Height * img.Width * img.Channels * img.Dtype.Size()
}
