package texture

import (
	"math"

	"github.com/echoflaresat/texcache/cache"
	"github.com/echoflaresat/texcache/imageio"
)

// levelSampler fetches texels of one (file, subimage, MIP level) through the
// cache, keeping the most recently borrowed tile so runs of nearby texels
// touch the tile store once per tile rather than once per texel.
type levelSampler struct {
	ic   *cache.ImageCache
	file string
	sub  int
	mip  int
	spec imageio.ImageSpec

	tile *cache.Tile
	err  error
}

func (ls *levelSampler) close() {
	if ls.tile != nil {
		ls.tile.Release()
		ls.tile = nil
	}
}

// texel returns the channel slice at in-range texel (x, y, z), or nil after
// a decode failure (recorded in ls.err).
func (ls *levelSampler) texel(x, y, z int) []float32 {
	px := x + ls.spec.X
	py := y + ls.spec.Y
	pz := z + ls.spec.Z
	t := ls.tile
	if t == nil || px < t.XBegin || px >= t.XBegin+t.Width ||
		py < t.YBegin || py >= t.YBegin+t.Height ||
		pz < t.ZBegin || pz >= t.ZBegin+t.Depth {
		if t != nil {
			t.Release()
			ls.tile = nil
		}
		t, ls.err = ls.ic.GetTile(ls.file, ls.sub, ls.mip, px, py, pz)
		if ls.err != nil {
			return nil
		}
		ls.tile = t
	}
	lx := px - t.XBegin
	ly := py - t.YBegin
	lz := pz - t.ZBegin
	off := ((lz*t.Height+ly)*t.Width + lx) * t.NChannels
	return t.Pixels()[off : off+t.NChannels]
}

// accumTexel adds weight*texel into accum, treating a black-wrapped texel as
// zero in every channel.
func (ls *levelSampler) accumTexel(x, y int, swrap, twrap WrapMode, weight float32, accum []float32) {
	if weight == 0 {
		return
	}
	xi, okx := wrapTexel(x, ls.spec.Width, swrap)
	yi, oky := wrapTexel(y, ls.spec.Height, twrap)
	if !okx || !oky {
		return
	}
	tx := ls.texel(xi, yi, 0)
	if tx == nil {
		return
	}
	for c := range accum {
		accum[c] += weight * tx[c]
	}
}

// sampleClosest adds the nearest texel to (s, t) into accum with the given
// weight.
func (ls *levelSampler) sampleClosest(s, t float64, swrap, twrap WrapMode, weight float32, accum []float32) {
	x := int(math.Floor(s * float64(ls.spec.Width)))
	y := int(math.Floor(t * float64(ls.spec.Height)))
	ls.accumTexel(x, y, swrap, twrap, weight, accum)
}

// sampleBilinear adds the bilinear reconstruction at (s, t) into accum.
func (ls *levelSampler) sampleBilinear(s, t float64, swrap, twrap WrapMode, weight float32, accum []float32) {
	fx := s*float64(ls.spec.Width) - 0.5
	fy := t*float64(ls.spec.Height) - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	dx := float32(fx - float64(x0))
	dy := float32(fy - float64(y0))

	ls.accumTexel(x0, y0, swrap, twrap, weight*(1-dx)*(1-dy), accum)
	ls.accumTexel(x0+1, y0, swrap, twrap, weight*dx*(1-dy), accum)
	ls.accumTexel(x0, y0+1, swrap, twrap, weight*(1-dx)*dy, accum)
	ls.accumTexel(x0+1, y0+1, swrap, twrap, weight*dx*dy, accum)
}

// catmullRom evaluates the Catmull-Rom weight for offset x in [-2, 2].
func catmullRom(x float32) float32 {
	if x < 0 {
		x = -x
	}
	x2 := x * x
	switch {
	case x < 1:
		return 1.5*x2*x - 2.5*x2 + 1
	case x < 2:
		return -0.5*x2*x + 2.5*x2 - 4*x + 2
	default:
		return 0
	}
}

// sampleBicubic adds the 4x4 Catmull-Rom reconstruction at (s, t).
func (ls *levelSampler) sampleBicubic(s, t float64, swrap, twrap WrapMode, weight float32, accum []float32) {
	fx := s*float64(ls.spec.Width) - 0.5
	fy := t*float64(ls.spec.Height) - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	dx := float32(fx - float64(x0))
	dy := float32(fy - float64(y0))

	var wx, wy [4]float32
	var sumX, sumY float32
	for i := 0; i < 4; i++ {
		wx[i] = catmullRom(float32(i-1) - dx)
		wy[i] = catmullRom(float32(i-1) - dy)
		sumX += wx[i]
		sumY += wy[i]
	}
	// Normalize so the kernel still sums to one after clamping.
	for i := 0; i < 4; i++ {
		wx[i] /= sumX
		wy[i] /= sumY
	}

	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			ls.accumTexel(x0-1+i, y0-1+j, swrap, twrap, weight*wx[i]*wy[j], accum)
		}
	}
}

// sample dispatches on the interpolation mode.
func (ls *levelSampler) sample(interp InterpMode, s, t float64, swrap, twrap WrapMode, weight float32, accum []float32) {
	switch interp {
	case InterpClosest:
		ls.sampleClosest(s, t, swrap, twrap, weight, accum)
	case InterpBicubic:
		ls.sampleBicubic(s, t, swrap, twrap, weight, accum)
	default:
		ls.sampleBilinear(s, t, swrap, twrap, weight, accum)
	}
}

// accumVoxel is the 3D analogue of accumTexel.
func (ls *levelSampler) accumVoxel(x, y, z int, wraps [3]WrapMode, weight float32, accum []float32) {
	if weight == 0 {
		return
	}
	depth := ls.spec.Depth
	if depth <= 0 {
		depth = 1
	}
	xi, okx := wrapTexel(x, ls.spec.Width, wraps[0])
	yi, oky := wrapTexel(y, ls.spec.Height, wraps[1])
	zi, okz := wrapTexel(z, depth, wraps[2])
	if !okx || !oky || !okz {
		return
	}
	tx := ls.texel(xi, yi, zi)
	if tx == nil {
		return
	}
	for c := range accum {
		accum[c] += weight * tx[c]
	}
}

// sampleTrilinearVolume adds the trilinear reconstruction at volume
// coordinate (s, t, r) into accum.
func (ls *levelSampler) sampleTrilinearVolume(s, t, r float64, wraps [3]WrapMode, weight float32, accum []float32) {
	depth := ls.spec.Depth
	if depth <= 0 {
		depth = 1
	}
	fx := s*float64(ls.spec.Width) - 0.5
	fy := t*float64(ls.spec.Height) - 0.5
	fz := r*float64(depth) - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	z0 := int(math.Floor(fz))
	dx := float32(fx - float64(x0))
	dy := float32(fy - float64(y0))
	dz := float32(fz - float64(z0))

	for k := 0; k < 2; k++ {
		wz := dz
		if k == 0 {
			wz = 1 - dz
		}
		for j := 0; j < 2; j++ {
			wy := dy
			if j == 0 {
				wy = 1 - dy
			}
			for i := 0; i < 2; i++ {
				wx := dx
				if i == 0 {
					wx = 1 - dx
				}
				ls.accumVoxel(x0+i, y0+j, z0+k, wraps, weight*wx*wy*wz, accum)
			}
		}
	}
}
