package cache

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/echoflaresat/texcache/imageio"
)

// synthesizeMipTile produces a tile of an automip level by box-downsampling
// the corresponding region of the level above. The parent region comes out
// of the cache itself, so synthesizing stays within the tile budget and
// deeper levels build on already-reduced data.
func (c *ImageCache) synthesizeMipTile(r *fileRecord, id TileID, spec *imageio.ImageSpec, t *Tile) ([]float32, error) {
	if spec.Depth > 1 || spec.NChannels > 4 {
		return nil, fmt.Errorf("%s: automip unsupported for %d-channel depth-%d images", r.name, spec.NChannels, spec.Depth)
	}

	nch := spec.NChannels
	out := make([]float32, t.Width*t.Height*nch)

	// Clip the tile to the level's data window; padding stays zero.
	w := min(t.Width, spec.Width-(t.XBegin-spec.X))
	h := min(t.Height, spec.Height-(t.YBegin-spec.Y))
	if w <= 0 || h <= 0 {
		return out, nil
	}

	parent, _, err := c.levelSpec(r, id.Subimage, id.MipLevel-1)
	if err != nil {
		return nil, err
	}

	// Source region in the parent level: 2x the tile footprint, clipped to
	// the parent window.
	sx := (t.XBegin - spec.X) * 2
	sy := (t.YBegin - spec.Y) * 2
	sw := min(w*2, parent.Width-sx)
	sh := min(h*2, parent.Height-sy)
	if sw <= 0 || sh <= 0 {
		return out, nil
	}

	src := make([]float32, sw*sh*nch)
	roi := imageio.ROI{
		XBegin: parent.X + sx, XEnd: parent.X + sx + sw,
		YBegin: parent.Y + sy, YEnd: parent.Y + sy + sh,
		ZBegin: parent.Z, ZEnd: parent.Z + 1,
		ChBegin: 0, ChEnd: nch,
	}
	if err := c.GetPixels(r.name, id.Subimage, id.MipLevel-1, roi, src); err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, sw, sh))
	for y := 0; y < sh; y++ {
		for x := 0; x < sw; x++ {
			p := (y*sw + x) * nch
			px := img.Pix[(y*sw+x)*4:]
			for ch := 0; ch < 4; ch++ {
				switch {
				case ch < nch:
					px[ch] = floatToByte(src[p+ch])
				case ch == 3:
					px[ch] = 255
				case nch == 1:
					px[ch] = floatToByte(src[p]) // replicate gray
				}
			}
		}
	}

	reduced := imaging.Resize(img, w, h, imaging.Box)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := reduced.NRGBAAt(x, y)
			d := (y*t.Width + x) * nch
			vals := [4]uint8{px.R, px.G, px.B, px.A}
			for ch := 0; ch < nch; ch++ {
				out[d+ch] = float32(vals[ch]) / 255.0
			}
		}
	}
	return out, nil
}

func floatToByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
