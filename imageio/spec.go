package imageio

import "fmt"

// TypeDesc identifies the native pixel data type of a file's channels.
// Decoded tiles are always delivered in canonical float32 form; TypeDesc
// only records what was on disk.
type TypeDesc int

const (
	TypeUnknown TypeDesc = iota
	TypeUInt8
	TypeUInt16
	TypeFloat
)

func (t TypeDesc) String() string {
	switch t {
	case TypeUInt8:
		return "uint8"
	case TypeUInt16:
		return "uint16"
	case TypeFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Size returns the per-sample byte size of the type.
func (t TypeDesc) Size() int {
	switch t {
	case TypeUInt8:
		return 1
	case TypeUInt16:
		return 2
	case TypeFloat:
		return 4
	default:
		return 0
	}
}

// ImageSpec describes the shape of one subimage at one MIP level: data
// window, display window, tiling, and channel layout, plus an open-ended
// attribute list for named metadata. A spec is fixed once the file has been
// opened at that subimage/level.
type ImageSpec struct {
	// Data window origin and size.
	X, Y, Z              int
	Width, Height, Depth int

	// Full ("display") window; equals the data window for most files.
	FullX, FullY, FullZ              int
	FullWidth, FullHeight, FullDepth int

	// Tile shape. Zero means the file is scanline-oriented.
	TileWidth, TileHeight, TileDepth int

	NChannels    int
	ChannelNames []string
	Format       TypeDesc
	Deep         bool

	Attribs ParamValueList
}

// NewImageSpec returns a spec for a simple 2D image with the given shape and
// default channel names.
func NewImageSpec(width, height, nchannels int, format TypeDesc) ImageSpec {
	spec := ImageSpec{
		Width:      width,
		Height:     height,
		Depth:      1,
		FullWidth:  width,
		FullHeight: height,
		FullDepth:  1,
		NChannels:  nchannels,
		Format:     format,
	}
	names := []string{"R", "G", "B", "A"}
	if nchannels == 1 {
		names = []string{"Y"}
	}
	for i := 0; i < nchannels; i++ {
		if i < len(names) {
			spec.ChannelNames = append(spec.ChannelNames, names[i])
		} else {
			spec.ChannelNames = append(spec.ChannelNames, fmt.Sprintf("channel%d", i))
		}
	}
	return spec
}

// Tiled reports whether the file supplies its own tile layout.
func (s *ImageSpec) Tiled() bool {
	return s.TileWidth > 0 && s.TileHeight > 0
}

// TilesAcross returns how many tile columns cover the data window, assuming
// the given tile width.
func (s *ImageSpec) TilesAcross(tileWidth int) int {
	if tileWidth <= 0 {
		return 1
	}
	return (s.Width + tileWidth - 1) / tileWidth
}

// TilesDown returns how many tile rows cover the data window.
func (s *ImageSpec) TilesDown(tileHeight int) int {
	if tileHeight <= 0 {
		return 1
	}
	return (s.Height + tileHeight - 1) / tileHeight
}

// PixelBytes returns the uncompressed byte size of the full data window in
// the file's native format.
func (s *ImageSpec) PixelBytes() int64 {
	d := s.Depth
	if d == 0 {
		d = 1
	}
	return int64(s.Width) * int64(s.Height) * int64(d) * int64(s.NChannels) * int64(s.Format.Size())
}

// Attribute sets a named metadata value, replacing any previous value under
// the same name.
func (s *ImageSpec) Attribute(name string, value any) {
	s.Attribs.Set(name, value)
}

// GetAttribute looks up a named metadata value.
func (s *ImageSpec) GetAttribute(name string) (any, bool) {
	return s.Attribs.Get(name)
}

// IntAttribute returns the named attribute as an int, or def when absent or
// not integral.
func (s *ImageSpec) IntAttribute(name string, def int) int {
	return s.Attribs.GetInt(name, def)
}

// FloatAttribute returns the named attribute as a float64, or def.
func (s *ImageSpec) FloatAttribute(name string, def float64) float64 {
	return s.Attribs.GetFloat(name, def)
}

// StringAttribute returns the named attribute as a string, or def.
func (s *ImageSpec) StringAttribute(name, def string) string {
	return s.Attribs.GetString(name, def)
}
