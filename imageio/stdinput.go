package imageio

import (
	"fmt"
	"image"
	"log/slog"
	"os"

	"github.com/echoflaresat/tiff"

	_ "image/jpeg" // register JPEG format with image.Decode
	_ "image/png"  // register PNG format with image.Decode

	_ "golang.org/x/image/bmp"  // register BMP format with image.Decode
	xtiff "golang.org/x/image/tiff"
)

func init() {
	RegisterFormat("stdimage", []string{"png", "jpg", "jpeg", "bmp"}, stdMagic, openStdImage)
}

func stdMagic(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	switch {
	case header[0] == 0x89 && header[1] == 'P' && header[2] == 'N' && header[3] == 'G':
		return true
	case header[0] == 0xFF && header[1] == 0xD8: // JPEG SOI
		return true
	case header[0] == 'B' && header[1] == 'M':
		return true
	case tiffMagic(header): // compressed TIFFs the native reader rejects
		return true
	}
	return false
}

// stdInput decodes the whole image up front and serves it as a single
// scanline subimage with no MIP levels. It is the fallback for formats the
// native backends do not read natively.
type stdInput struct {
	path    string
	img     image.Image
	spec    ImageSpec
	lastErr string
}

func openStdImage(path string) (ImageInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		if _, serr := f.Seek(0, 0); serr != nil {
			return nil, serr
		}
		img, err = xtiff.Decode(f)
	}
	if err != nil {
		if _, serr := f.Seek(0, 0); serr != nil {
			return nil, serr
		}
		img, _, err = image.Decode(f)
	}
	if err != nil {
		slog.Debug("image decode failed", "path", path, "error", err)
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}

	b := img.Bounds()
	return &stdInput{
		path: path,
		img:  img,
		spec: NewImageSpec(b.Dx(), b.Dy(), 4, TypeUInt8),
	}, nil
}

func (s *stdInput) Spec() ImageSpec { return s.spec }

func (s *stdInput) NumSubimages() int { return 1 }

func (s *stdInput) NumMipLevels(subimage int) int {
	if subimage == 0 {
		return 1
	}
	return 0
}

func (s *stdInput) SeekSubimage(subimage, miplevel int) (ImageSpec, bool) {
	if subimage != 0 || miplevel != 0 {
		return ImageSpec{}, false
	}
	return s.spec, true
}

func (s *stdInput) ReadTile(x, y, z int) ([]float32, error) {
	err := fmt.Errorf("ReadTile on scanline file %q", s.path)
	s.lastErr = err.Error()
	return nil, err
}

func (s *stdInput) ReadScanline(y, z int) ([]float32, error) {
	if y < 0 || y >= s.spec.Height || z != 0 {
		err := fmt.Errorf("scanline (%d,%d) out of range", y, z)
		s.lastErr = err.Error()
		return nil, err
	}
	b := s.img.Bounds()
	out := make([]float32, s.spec.Width*4)
	for x := 0; x < s.spec.Width; x++ {
		r, g, bl, a := s.img.At(b.Min.X+x, b.Min.Y+y).RGBA()
		// RGBA() is premultiplied; divide alpha back out.
		if a > 0 {
			inv := float32(0xFFFF) / float32(a)
			out[x*4+0] = float32(r) * inv / 65535.0
			out[x*4+1] = float32(g) * inv / 65535.0
			out[x*4+2] = float32(bl) * inv / 65535.0
		}
		out[x*4+3] = float32(a) / 65535.0
	}
	return out, nil
}

func (s *stdInput) LastError() string { return s.lastErr }

func (s *stdInput) Close() error {
	s.img = nil
	return nil
}
