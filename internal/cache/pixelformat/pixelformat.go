// Package pixelformat describes the in-memory layout of a pixel buffer
// and the single canonical layout the cache hashes and persists
// against, independent of whatever format the framebuffer itself is
// using at the time.
package pixelformat

// Format describes how a single pixel is packed into bytes: bits per
// pixel, byte order, depth, and the bit position of each color
// component. It mirrors the RFB PIXEL_FORMAT structure closely enough
// that server and viewer can exchange it on the wire unchanged.
type Format struct {
	BitsPerPixel int
	Depth        int
	BigEndian    bool
	TrueColor    bool

	RedMax   uint16
	GreenMax uint16
	BlueMax  uint16

	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// BytesPerPixel returns the packed byte width of one pixel.
func (f Format) BytesPerPixel() int {
	return (f.BitsPerPixel + 7) / 8
}

// Canonical is the fixed 32-bpp little-endian layout that all content
// hashing and all disk-persisted payloads use, regardless of the
// in-memory framebuffer format (spec.md §4.1, §GLOSSARY).
var Canonical = Format{
	BitsPerPixel: 32,
	Depth:        24,
	BigEndian:    false,
	TrueColor:    true,
	RedMax:       0xff,
	GreenMax:     0xff,
	BlueMax:      0xff,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

// Equal reports whether two formats describe the same packing.
func (f Format) Equal(o Format) bool {
	return f == o
}

// IsCanonical reports whether f is byte-identical to Canonical.
func (f Format) IsCanonical() bool {
	return f.Equal(Canonical)
}

// PackedSize is the fixed on-disk encoding size of a Format
// descriptor, per spec.md §3 ("packed pixel-format descriptor (fixed
// 24 bytes)").
const PackedSize = 24

// Marshal packs f into the fixed 24-byte descriptor used by the
// cross-session index.
func (f Format) Marshal() [PackedSize]byte {
	var b [PackedSize]byte
	b[0] = byte(f.BitsPerPixel)
	b[1] = byte(f.Depth)
	if f.BigEndian {
		b[2] = 1
	}
	if f.TrueColor {
		b[3] = 1
	}
	putU16(b[4:6], f.RedMax)
	putU16(b[6:8], f.GreenMax)
	putU16(b[8:10], f.BlueMax)
	b[10] = f.RedShift
	b[11] = f.GreenShift
	b[12] = f.BlueShift
	// b[13:24] reserved, left zero.
	return b
}

// Unmarshal unpacks a 24-byte descriptor produced by Marshal.
func Unmarshal(b [PackedSize]byte) Format {
	return Format{
		BitsPerPixel: int(b[0]),
		Depth:        int(b[1]),
		BigEndian:    b[2] != 0,
		TrueColor:    b[3] != 0,
		RedMax:       getU16(b[4:6]),
		GreenMax:     getU16(b[6:8]),
		BlueMax:      getU16(b[8:10]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
