// Package imageio defines the narrow decoder surface the tile cache sits on:
// an ImageInput interface, a format registry with extension and magic-number
// sniffing, a native multi-IFD TIFF backend, and a whole-image fallback for
// everything image.Decode understands.
package imageio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnsupported reports that no registered backend recognizes a file.
var ErrUnsupported = errors.New("imageio: unsupported image format")

// ImageInput is one open decoder. Implementations expose sequential internal
// state (current subimage/MIP position, partially decompressed strips), so a
// single ImageInput must not be used from two goroutines at once; the caller
// serializes access.
//
// Pixel data is always returned in canonical form: float32 samples in [0,1]
// (for integer source types), channel-interleaved, row-major.
type ImageInput interface {
	// Spec returns the spec of the current subimage/MIP position.
	Spec() ImageSpec

	// NumSubimages and NumMipLevels describe the file's structure without
	// moving the current position.
	NumSubimages() int
	NumMipLevels(subimage int) int

	// SeekSubimage positions the decoder and returns the spec there. The
	// second result is false if the subimage or MIP level does not exist.
	SeekSubimage(subimage, miplevel int) (ImageSpec, bool)

	// ReadTile reads the tile whose origin is the pixel (x, y, z) of the
	// current subimage/level. x, y, z must be multiples of the tile shape.
	// Only valid for tiled files.
	ReadTile(x, y, z int) ([]float32, error)

	// ReadScanline reads one row of the current subimage/level. Only valid
	// for scanline files.
	ReadScanline(y, z int) ([]float32, error)

	// LastError returns the most recent error message recorded by the
	// decoder, or "".
	LastError() string

	Close() error
}

// OpenerFunc opens a file as an ImageInput, or fails with a descriptive
// error.
type OpenerFunc func(path string) (ImageInput, error)

type format struct {
	name   string
	exts   []string
	magic  func([]byte) bool
	opener OpenerFunc
}

var (
	formatMu sync.RWMutex
	formats  []format
)

// RegisterFormat adds a decoder backend. exts are lowercase extensions
// without the dot. magic may be nil if the format can only be selected by
// extension. Later registrations are consulted first, so callers can shadow
// the built-in backends.
func RegisterFormat(name string, exts []string, magic func(header []byte) bool, opener OpenerFunc) {
	formatMu.Lock()
	defer formatMu.Unlock()
	formats = append([]format{{name: name, exts: exts, magic: magic, opener: opener}}, formats...)
}

// Open opens path with the first backend that claims it, trying extension
// match first and magic-number sniffing second. A backend that claims a file
// by extension but fails to open it does not stop the probe; the next
// candidate is tried, so a compressed TIFF the native reader rejects still
// falls through to image.Decode.
func Open(path string) (ImageInput, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	formatMu.RLock()
	candidates := make([]format, len(formats))
	copy(candidates, formats)
	formatMu.RUnlock()

	var firstErr error
	tried := make(map[string]bool)

	try := func(f format) (ImageInput, bool) {
		if tried[f.name] {
			return nil, false
		}
		tried[f.name] = true
		in, err := f.opener(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return nil, false
		}
		return in, true
	}

	// Extension match first; backends unable to open the file do not stop
	// the probe.
	for _, f := range candidates {
		for _, e := range f.exts {
			if e == ext {
				if in, ok := try(f); ok {
					return in, nil
				}
			}
		}
	}

	// Magic-number sniffing needs the file on disk.
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	header := sniffHeader(path)
	for _, f := range candidates {
		if f.magic != nil && f.magic(header) {
			if in, ok := try(f); ok {
				return in, nil
			}
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("imageio: open %q: %w", path, firstErr)
	}
	return nil, fmt.Errorf("imageio: open %q: %w", path, ErrUnsupported)
}

func sniffHeader(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, 16)
	n, _ := f.Read(buf)
	return buf[:n]
}
