package texture

// WrapMode controls how sample coordinates outside [0,1] are handled,
// independently per axis. WrapBlack makes outside samples contribute zero in
// every channel; it is unrelated to the missing-color fallback, which only
// applies when a texture cannot be found or decoded.
type WrapMode int

const (
	WrapBlack WrapMode = iota
	WrapClamp
	WrapPeriodic
	WrapMirror
)

// ParseWrap maps an option string to a wrap mode.
func ParseWrap(s string) (WrapMode, bool) {
	switch s {
	case "black":
		return WrapBlack, true
	case "clamp":
		return WrapClamp, true
	case "periodic":
		return WrapPeriodic, true
	case "mirror":
		return WrapMirror, true
	}
	return WrapBlack, false
}

// InterpMode selects the reconstruction filter within one MIP level.
type InterpMode int

const (
	InterpBilinear InterpMode = iota
	InterpClosest
	InterpBicubic
)

// ParseInterp maps an option string to an interpolation mode.
func ParseInterp(s string) (InterpMode, bool) {
	switch s {
	case "bilinear":
		return InterpBilinear, true
	case "closest":
		return InterpClosest, true
	case "bicubic":
		return InterpBicubic, true
	}
	return InterpBilinear, false
}

// MipMode selects how MIP levels participate in a lookup.
type MipMode int

const (
	// MipDefault behaves like MipAniso, which degenerates to trilinear
	// for isotropic footprints.
	MipDefault MipMode = iota
	MipNoMip
	MipOneLevel
	MipTrilinear
	MipAniso
	MipStochasticTrilinear
	MipStochasticAniso
)

// ParseMip maps an option string to a MIP mode.
func ParseMip(s string) (MipMode, bool) {
	switch s {
	case "default":
		return MipDefault, true
	case "nomip":
		return MipNoMip, true
	case "onelevel":
		return MipOneLevel, true
	case "trilinear":
		return MipTrilinear, true
	case "aniso":
		return MipAniso, true
	case "stochastic-trilinear":
		return MipStochasticTrilinear, true
	case "stochastic-aniso":
		return MipStochasticAniso, true
	}
	return MipDefault, false
}

// MaxAnisoSamples caps the number of probes taken along the major axis of an
// anisotropic footprint, whatever ratio the derivatives imply.
const MaxAnisoSamples = 16

// Options is the per-lookup configuration bundle. The zero value asks for
// bilinear, anisotropic-capable filtering with black wrap on every axis.
type Options struct {
	SWrap, TWrap, RWrap WrapMode
	Interp              InterpMode
	Mip                 MipMode

	// Blur widens the filter by an amount in st-space; Width scales the
	// footprint the derivatives imply (0 means 1).
	Blur  float64
	Width float64

	// MissingColor, when non-nil, substitutes for lookups whose texture
	// cannot be found or decoded; when nil such lookups fail.
	MissingColor []float32

	// Fill is the value returned for requested channels past the file's
	// channel count.
	Fill float32

	// FirstChannel shifts which file channel maps to output channel 0.
	FirstChannel int

	// Subimage addresses a subimage by index; SubimageName, when set, takes
	// precedence and addresses it by its stored name.
	Subimage     int
	SubimageName string

	// MaxAnisotropy caps the footprint's major/minor ratio (0 means 8).
	MaxAnisotropy int

	// RandSeed drives the stochastic modes. A fixed seed gives bit-identical
	// lookups.
	RandSeed uint32
}

func (o *Options) width() float64 {
	if o.Width <= 0 {
		return 1
	}
	return o.Width
}

func (o *Options) maxAniso() float64 {
	if o.MaxAnisotropy <= 0 {
		return 8
	}
	return float64(o.MaxAnisotropy)
}
