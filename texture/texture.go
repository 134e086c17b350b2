// Package texture implements filtered texture sampling on top of the tile
// cache: MIP level selection from pixel-footprint derivatives, bilinear,
// bicubic, anisotropic and stochastic reconstruction, per-axis wrap modes,
// and UDIM-templated virtual filenames.
package texture

import (
	"fmt"
	"math"

	"github.com/echoflaresat/texcache/cache"
	"github.com/echoflaresat/texcache/udim"
)

// TextureSystem answers filtered lookups for renderers. It is safe for
// concurrent use; all shared state lives in the underlying cache.
type TextureSystem struct {
	ic *cache.ImageCache
}

// NewTextureSystem wraps an image cache. The cache may be shared with other
// texture systems and with direct cache users.
func NewTextureSystem(ic *cache.ImageCache) *TextureSystem {
	return &TextureSystem{ic: ic}
}

// Cache returns the underlying image cache.
func (ts *TextureSystem) Cache() *cache.ImageCache { return ts.ic }

var defaultOptions Options

// levelWeight is one MIP level's share of a lookup.
type levelWeight struct {
	mip    int
	weight float32
}

// Texture performs one filtered 2D lookup at (s, t) with the given screen
// derivatives, writing nchannels values into out. name may be a concrete
// filename or a UDIM template. Lookups on files that cannot be found or
// decoded fill in opts.MissingColor when set and fail otherwise.
func (ts *TextureSystem) Texture(name string, opts *Options, s, t, dsdx, dtdx, dsdy, dtdy float64, nchannels int, out []float32) error {
	if opts == nil {
		opts = &defaultOptions
	}
	if len(out) < nchannels {
		return fmt.Errorf("texture: out holds %d values, need %d", len(out), nchannels)
	}

	file := name
	if udim.IsTemplate(name) {
		resolved, ok := udim.Resolve(name, s, t, ts.ic.SearchPath())
		if !ok {
			return ts.missing(opts, nchannels, out,
				fmt.Errorf("no texture for %q at (%g, %g)", name, s, t))
		}
		file = resolved
		s -= math.Floor(s)
		t -= math.Floor(t)
	}

	sub := opts.Subimage
	if opts.SubimageName != "" {
		var err error
		sub, err = ts.ic.SubimageByName(file, opts.SubimageName)
		if err != nil {
			// A bad subimage name is a lookup failure, not a missing
			// texture; missingcolor does not apply.
			return err
		}
	}

	spec, err := ts.ic.GetImageSpec(file, sub, 0)
	if err != nil {
		return ts.missing(opts, nchannels, out, err)
	}
	nmip := ts.mipLevels(file, sub)

	w := float64(spec.Width)
	h := float64(spec.Height)

	// Footprint axes in level-0 texel units.
	lenX := math.Hypot(dsdx*w, dtdx*h) * opts.width()
	lenY := math.Hypot(dsdy*w, dtdy*h) * opts.width()
	if opts.Blur > 0 {
		blur := opts.Blur * math.Max(w, h)
		lenX += blur
		lenY += blur
	}
	major, minor := lenX, lenY
	dsMaj, dtMaj := dsdx, dtdx
	if lenY > lenX {
		major, minor = lenY, lenX
		dsMaj, dtMaj = dsdy, dtdy
	}

	ratio := 1.0
	if minor > 0 && major > minor {
		ratio = math.Min(major/minor, opts.maxAniso())
	} else if minor == 0 && major > 0 {
		ratio = opts.maxAniso()
	}

	levels := ts.selectLevels(opts, minor, nmip, s, t)

	// Anisotropy spreads the lookup over probes along the major axis; the
	// stochastic variant places a single probe at a reproducible random
	// offset instead.
	probes := 1
	stochasticPos := false
	switch opts.Mip {
	case MipDefault, MipAniso:
		probes = int(math.Ceil(ratio))
		if probes > MaxAnisoSamples {
			probes = MaxAnisoSamples
		}
	case MipStochasticAniso:
		stochasticPos = ratio > 1
	}

	accum := make([]float32, spec.NChannels)
	for _, lw := range levels {
		ls := &levelSampler{ic: ts.ic, file: file, sub: sub, mip: lw.mip}
		ls.spec, err = ts.ic.GetImageSpec(file, sub, lw.mip)
		if err != nil {
			return ts.missing(opts, nchannels, out, err)
		}
		switch {
		case stochasticPos:
			e := variate(opts.RandSeed^0x5bd1e995, s, t) - 0.5
			ls.sample(opts.Interp, s+e*dsMaj, t+e*dtMaj, opts.SWrap, opts.TWrap, lw.weight, accum)
		case probes > 1:
			pw := lw.weight / float32(probes)
			for i := 0; i < probes; i++ {
				e := (float64(i)+0.5)/float64(probes) - 0.5
				ls.sample(opts.Interp, s+e*dsMaj, t+e*dtMaj, opts.SWrap, opts.TWrap, pw, accum)
			}
		default:
			ls.sample(opts.Interp, s, t, opts.SWrap, opts.TWrap, lw.weight, accum)
		}
		sampleErr := ls.err
		ls.close()
		if sampleErr != nil {
			return ts.missing(opts, nchannels, out, sampleErr)
		}
	}

	ts.assemble(opts, accum, nchannels, out)
	return nil
}

// Texture3D performs one volumetric lookup at p = (s, t, r). Anisotropic
// probing does not apply; reconstruction is trilinear in space, optionally
// blended or stochastically chosen across MIP levels.
func (ts *TextureSystem) Texture3D(name string, opts *Options, p, dpdx, dpdy [3]float64, nchannels int, out []float32) error {
	if opts == nil {
		opts = &defaultOptions
	}
	if len(out) < nchannels {
		return fmt.Errorf("texture3d: out holds %d values, need %d", len(out), nchannels)
	}

	sub := opts.Subimage
	if opts.SubimageName != "" {
		var err error
		sub, err = ts.ic.SubimageByName(name, opts.SubimageName)
		if err != nil {
			return err
		}
	}
	spec, err := ts.ic.GetImageSpec(name, sub, 0)
	if err != nil {
		return ts.missing(opts, nchannels, out, err)
	}
	nmip := ts.mipLevels(name, sub)

	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	lenX := norm3(dpdx[0]*float64(spec.Width), dpdx[1]*float64(spec.Height), dpdx[2]*float64(depth)) * opts.width()
	lenY := norm3(dpdy[0]*float64(spec.Width), dpdy[1]*float64(spec.Height), dpdy[2]*float64(depth)) * opts.width()
	minor := math.Min(lenX, lenY)

	levels := ts.selectLevels(opts, minor, nmip, p[0], p[1])
	wraps := [3]WrapMode{opts.SWrap, opts.TWrap, opts.RWrap}

	accum := make([]float32, spec.NChannels)
	for _, lw := range levels {
		ls := &levelSampler{ic: ts.ic, file: name, sub: sub, mip: lw.mip}
		ls.spec, err = ts.ic.GetImageSpec(name, sub, lw.mip)
		if err != nil {
			return ts.missing(opts, nchannels, out, err)
		}
		ls.sampleTrilinearVolume(p[0], p[1], p[2], wraps, lw.weight, accum)
		sampleErr := ls.err
		ls.close()
		if sampleErr != nil {
			return ts.missing(opts, nchannels, out, sampleErr)
		}
	}

	ts.assemble(opts, accum, nchannels, out)
	return nil
}

// Environment looks up a lat-long environment map by direction vector,
// sharing the 2D machinery. The s axis wraps periodically across the seam;
// t clamps at the poles.
func (ts *TextureSystem) Environment(name string, opts *Options, dir, ddx, ddy [3]float64, nchannels int, out []float32) error {
	if opts == nil {
		opts = &defaultOptions
	}
	s, t := dirToLatLong(dir)
	s1, t1 := dirToLatLong(add3(dir, ddx))
	s2, t2 := dirToLatLong(add3(dir, ddy))

	envOpts := *opts
	envOpts.SWrap = WrapPeriodic
	envOpts.TWrap = WrapClamp
	return ts.Texture(name, &envOpts, s, t,
		seamDelta(s1-s), t1-t, seamDelta(s2-s), t2-t, nchannels, out)
}

// GetTextureInfo answers a metadata query. For a UDIM template the value
// comes from the first tile in inventory order; agreement across tiles is
// not checked.
func (ts *TextureSystem) GetTextureInfo(name, attr string) (any, error) {
	file := name
	if udim.IsTemplate(name) {
		grid, err := udim.Inventory(name, ts.ic.SearchPath())
		if err != nil {
			return nil, err
		}
		names := grid.Sorted()
		if len(names) == 0 {
			return nil, fmt.Errorf("no files match template %q", name)
		}
		file = names[0]
	}
	return ts.ic.GetImageInfo(file, 0, 0, attr)
}

// selectLevels picks the contributing MIP level(s) and their weights for a
// filter whose minor axis spans minor level-0 texels.
func (ts *TextureSystem) selectLevels(opts *Options, minor float64, nmip int, s, t float64) []levelWeight {
	if nmip < 1 {
		nmip = 1
	}
	if opts.Mip == MipNoMip {
		return []levelWeight{{0, 1}}
	}

	lod := 0.0
	if minor > 1 {
		lod = math.Log2(minor)
	}
	if lod > float64(nmip-1) {
		lod = float64(nmip - 1)
	}
	lf := int(lod)
	frac := lod - float64(lf)

	switch opts.Mip {
	case MipOneLevel:
		return []levelWeight{{int(math.Round(lod)), 1}}
	case MipStochasticTrilinear, MipStochasticAniso:
		level := lf
		if frac > 0 && variate(opts.RandSeed, s, t) < frac {
			level = lf + 1
		}
		return []levelWeight{{level, 1}}
	default:
		if frac == 0 || lf+1 >= nmip {
			return []levelWeight{{lf, 1}}
		}
		return []levelWeight{
			{lf, float32(1 - frac)},
			{lf + 1, float32(frac)},
		}
	}
}

func (ts *TextureSystem) mipLevels(file string, sub int) int {
	v, err := ts.ic.GetImageInfo(file, sub, 0, "miplevels")
	if err != nil {
		return 1
	}
	n, _ := v.(int)
	if n < 1 {
		return 1
	}
	return n
}

// assemble maps accumulated file channels to the requested output channels,
// using the fill value past the file's channel count.
func (ts *TextureSystem) assemble(opts *Options, accum []float32, nchannels int, out []float32) {
	for i := 0; i < nchannels; i++ {
		src := opts.FirstChannel + i
		if src >= 0 && src < len(accum) {
			out[i] = accum[src]
		} else {
			out[i] = opts.Fill
		}
	}
}

// missing applies the configured missing color, truncated or zero-padded to
// the request, or propagates the lookup error when none is configured.
func (ts *TextureSystem) missing(opts *Options, nchannels int, out []float32, err error) error {
	if opts.MissingColor == nil {
		return err
	}
	for i := 0; i < nchannels; i++ {
		if i < len(opts.MissingColor) {
			out[i] = opts.MissingColor[i]
		} else {
			out[i] = 0
		}
	}
	return nil
}

// variate produces a deterministic value in [0, 1) from the seed and sample
// position, so stochastic lookups are reproducible across runs.
func variate(seed uint32, s, t float64) float64 {
	h := seed ^ 0x9e3779b9
	h = (h ^ math.Float32bits(float32(s))) * 2654435761
	h = (h ^ math.Float32bits(float32(t))) * 2246822519
	h ^= h >> 15
	h *= 2654435761
	h ^= h >> 13
	return float64(h>>8) / float64(1<<24)
}

// dirToLatLong maps a direction vector to lat-long st coordinates, matching
// the projection used for equirectangular environment maps.
func dirToLatLong(d [3]float64) (s, t float64) {
	lat := math.Atan2(d[2], math.Hypot(d[0], d[1]))
	lon := math.Atan2(d[1], d[0])
	return lon/(2*math.Pi) + 0.5, 0.5 - lat/math.Pi
}

// seamDelta folds an s derivative across the periodic seam so a footprint
// straddling s=0/1 stays small.
func seamDelta(d float64) float64 {
	if d > 0.5 {
		return d - 1
	}
	if d < -0.5 {
		return d + 1
	}
	return d
}

func norm3(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

func add3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}
