package imageio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// TIFFLevel is one subimage/MIP level handed to WriteTIFF: a spec plus its
// pixels in canonical float32 form (len = Width*Height*NChannels).
type TIFFLevel struct {
	Spec   ImageSpec
	Pixels []float32
}

// WriteTIFF writes an uncompressed 8-bit TIFF. Each argument is one subimage
// given as its MIP chain, full resolution first; levels past the first are
// flagged reduced-resolution so the reader rebuilds the same structure. A
// level whose spec has a tile shape is written tiled, otherwise as a single
// strip. This is enough to fabricate every fixture the cache and texture
// tests need, and for baking MIP pyramids to disk.
func WriteTIFF(path string, subimages ...[]TIFFLevel) error {
	var levels []TIFFLevel
	var reduced []bool
	for _, sub := range subimages {
		for i, lvl := range sub {
			levels = append(levels, lvl)
			reduced = append(reduced, i > 0)
		}
	}
	if len(levels) == 0 {
		return fmt.Errorf("WriteTIFF %q: no levels", path)
	}
	for _, lvl := range levels {
		want := lvl.Spec.Width * lvl.Spec.Height * lvl.Spec.NChannels
		if len(lvl.Pixels) != want {
			return fmt.Errorf("WriteTIFF %q: level has %d samples, want %d", path, len(lvl.Pixels), want)
		}
		if lvl.Spec.NChannels < 1 || lvl.Spec.NChannels > 4 {
			return fmt.Errorf("WriteTIFF %q: unsupported channel count %d", path, lvl.Spec.NChannels)
		}
	}

	bo := binary.LittleEndian
	var out []byte
	put16 := func(v uint16) { out = bo.AppendUint16(out, v) }
	put32 := func(v uint32) { out = bo.AppendUint32(out, v) }

	// Header; the first-IFD pointer is patched once data has been laid out.
	out = append(out, 'I', 'I')
	put16(42)
	put32(0)

	// Pixel data for every level, recording segment offsets.
	segOffsets := make([][]uint32, len(levels))
	segCounts := make([][]uint32, len(levels))
	for i, lvl := range levels {
		segs := encodeSegments(lvl)
		for _, seg := range segs {
			segOffsets[i] = append(segOffsets[i], uint32(len(out)))
			segCounts[i] = append(segCounts[i], uint32(len(seg)))
			out = append(out, seg...)
		}
	}

	// IFD chain.
	ifdOffset := uint32(len(out))
	bo.PutUint32(out[4:8], ifdOffset)
	for i, lvl := range levels {
		entries := buildEntries(lvl, reduced[i], segOffsets[i], segCounts[i])
		sort.Slice(entries, func(a, b int) bool { return entries[a].tag < entries[b].tag })

		valueArea := int(ifdOffset) + 2 + len(entries)*12 + 4
		var extra []byte

		put16(uint16(len(entries)))
		for _, e := range entries {
			put16(e.tag)
			put16(e.typ)
			put32(e.count)
			if e.out != nil {
				put32(uint32(valueArea + len(extra)))
				extra = append(extra, e.out...)
			} else {
				out = append(out, e.inline[:]...)
			}
		}
		if i == len(levels)-1 {
			put32(0)
		} else {
			put32(uint32(valueArea + len(extra)))
		}
		out = append(out, extra...)
		ifdOffset = uint32(len(out))
	}

	return os.WriteFile(path, out, 0o644)
}

type ifdEntry struct {
	tag    uint16
	typ    uint16 // 2=ASCII 3=SHORT 4=LONG
	count  uint32
	inline [4]byte
	out    []byte // out-of-line value area, overrides inline
}

func shortEntry(tag uint16, v uint16) ifdEntry {
	e := ifdEntry{tag: tag, typ: 3, count: 1}
	binary.LittleEndian.PutUint16(e.inline[0:2], v)
	return e
}

func longEntry(tag uint16, v uint32) ifdEntry {
	e := ifdEntry{tag: tag, typ: 4, count: 1}
	binary.LittleEndian.PutUint32(e.inline[:], v)
	return e
}

func longArrayEntry(tag uint16, vs []uint32) ifdEntry {
	e := ifdEntry{tag: tag, typ: 4, count: uint32(len(vs))}
	if len(vs) == 1 {
		binary.LittleEndian.PutUint32(e.inline[:], vs[0])
		return e
	}
	for _, v := range vs {
		e.out = binary.LittleEndian.AppendUint32(e.out, v)
	}
	return e
}

func asciiEntry(tag uint16, s string) ifdEntry {
	raw := append([]byte(s), 0)
	e := ifdEntry{tag: tag, typ: 2, count: uint32(len(raw))}
	if len(raw) <= 4 {
		copy(e.inline[:], raw)
		return e
	}
	e.out = raw
	return e
}

func buildEntries(lvl TIFFLevel, isReduced bool, offsets, counts []uint32) []ifdEntry {
	spec := lvl.Spec
	subfile := uint32(0)
	if isReduced {
		subfile = subfileReducedResolution
	}
	photometric := uint16(photometricRGB)
	if spec.NChannels == 1 {
		photometric = photometricBlackIsZero
	}

	entries := []ifdEntry{
		longEntry(tagNewSubfileType, subfile),
		longEntry(tagImageWidth, uint32(spec.Width)),
		longEntry(tagImageLength, uint32(spec.Height)),
		shortEntry(tagCompression, compressionNone),
		shortEntry(tagPhotometric, photometric),
		shortEntry(tagSamplesPerPixel, uint16(spec.NChannels)),
		shortEntry(tagPlanarConfiguration, 1),
	}

	bits := ifdEntry{tag: tagBitsPerSample, typ: 3, count: uint32(spec.NChannels)}
	if spec.NChannels <= 2 {
		for i := 0; i < spec.NChannels; i++ {
			binary.LittleEndian.PutUint16(bits.inline[i*2:i*2+2], 8)
		}
	} else {
		for i := 0; i < spec.NChannels; i++ {
			bits.out = binary.LittleEndian.AppendUint16(bits.out, 8)
		}
	}
	entries = append(entries, bits)

	if spec.Tiled() {
		entries = append(entries,
			longEntry(tagTileWidth, uint32(spec.TileWidth)),
			longEntry(tagTileLength, uint32(spec.TileHeight)),
			longArrayEntry(tagTileOffsets, offsets),
			longArrayEntry(tagTileByteCounts, counts),
		)
	} else {
		entries = append(entries,
			longEntry(tagRowsPerStrip, uint32(spec.Height)),
			longArrayEntry(tagStripOffsets, offsets),
			longArrayEntry(tagStripByteCounts, counts),
		)
	}

	if name := spec.StringAttribute("PageName", ""); name != "" {
		entries = append(entries, asciiEntry(tagPageName, name))
	}
	if desc := spec.StringAttribute("ImageDescription", ""); desc != "" {
		entries = append(entries, asciiEntry(tagImageDescription, desc))
	}
	return entries
}

// encodeSegments converts the level to 8-bit segments: one strip for
// scanline levels, or row-major padded tiles for tiled levels.
func encodeSegments(lvl TIFFLevel) [][]byte {
	spec := lvl.Spec
	nch := spec.NChannels

	sample := func(x, y, c int) byte {
		v := lvl.Pixels[(y*spec.Width+x)*nch+c]
		if v <= 0 {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return byte(v*255 + 0.5)
	}

	if !spec.Tiled() {
		strip := make([]byte, spec.Width*spec.Height*nch)
		i := 0
		for y := 0; y < spec.Height; y++ {
			for x := 0; x < spec.Width; x++ {
				for c := 0; c < nch; c++ {
					strip[i] = sample(x, y, c)
					i++
				}
			}
		}
		return [][]byte{strip}
	}

	var segs [][]byte
	for ty := 0; ty < spec.TilesDown(spec.TileHeight); ty++ {
		for tx := 0; tx < spec.TilesAcross(spec.TileWidth); tx++ {
			tile := make([]byte, spec.TileWidth*spec.TileHeight*nch)
			for ly := 0; ly < spec.TileHeight; ly++ {
				y := ty*spec.TileHeight + ly
				if y >= spec.Height {
					break
				}
				for lx := 0; lx < spec.TileWidth; lx++ {
					x := tx*spec.TileWidth + lx
					if x >= spec.Width {
						break
					}
					for c := 0; c < nch; c++ {
						tile[(ly*spec.TileWidth+lx)*nch+c] = sample(x, y, c)
					}
				}
			}
			segs = append(segs, tile)
		}
	}
	return segs
}
