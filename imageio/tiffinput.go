package imageio

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
)

func init() {
	RegisterFormat("tiff", []string{"tif", "tiff", "tx"}, tiffMagic, openTIFF)
}

func tiffMagic(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	return (header[0] == 'I' && header[1] == 'I' && header[2] == 42 && header[3] == 0) ||
		(header[0] == 'M' && header[1] == 'M' && header[2] == 0 && header[3] == 42)
}

// tiffInput reads striped and tiled TIFFs directly off an mmap reader,
// uncompressed or deflate. The IFD chain is interpreted as the subimage/MIP
// structure: an IFD flagged reduced-resolution is the next MIP level of the
// subimage before it, anything else starts a new subimage.
type tiffInput struct {
	path   string
	reader *mmap.ReaderAt

	// levels[sub][mip]
	levels [][]tiffIFD
	specs  [][]ImageSpec

	curSub, curMip int

	// current decompressed strip, for sequential scanline reads
	stripIndex int
	stripData  []byte

	lastErr string
}

func openTIFF(path string) (ImageInput, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	_, ifds, err := parseTIFF(reader)
	if err != nil {
		reader.Close()
		return nil, err
	}

	in := &tiffInput{path: path, reader: reader, stripIndex: -1}
	for _, ifd := range ifds {
		if ifd.SubfileType&subfileReducedResolution != 0 && len(in.levels) > 0 {
			n := len(in.levels) - 1
			in.levels[n] = append(in.levels[n], ifd)
		} else {
			in.levels = append(in.levels, []tiffIFD{ifd})
		}
	}
	for _, sub := range in.levels {
		specs := make([]ImageSpec, len(sub))
		for i, ifd := range sub {
			specs[i] = ifdSpec(ifd)
		}
		in.specs = append(in.specs, specs)
	}
	return in, nil
}

func ifdSpec(ifd tiffIFD) ImageSpec {
	spec := NewImageSpec(ifd.Width, ifd.Height, ifd.SamplesPerPixel, TypeUInt8)
	if ifd.tiled() {
		spec.TileWidth = ifd.TileWidth
		spec.TileHeight = ifd.TileHeight
		spec.TileDepth = 1
	}
	if ifd.Description != "" {
		spec.Attribute("ImageDescription", ifd.Description)
	}
	if ifd.PageName != "" {
		spec.Attribute("PageName", ifd.PageName)
	}
	spec.Attribute("tiff:Compression", ifd.Compression)
	return spec
}

func (t *tiffInput) Spec() ImageSpec {
	return t.specs[t.curSub][t.curMip]
}

func (t *tiffInput) NumSubimages() int {
	return len(t.levels)
}

func (t *tiffInput) NumMipLevels(subimage int) int {
	if subimage < 0 || subimage >= len(t.levels) {
		return 0
	}
	return len(t.levels[subimage])
}

func (t *tiffInput) SeekSubimage(subimage, miplevel int) (ImageSpec, bool) {
	if subimage < 0 || subimage >= len(t.levels) {
		return ImageSpec{}, false
	}
	if miplevel < 0 || miplevel >= len(t.levels[subimage]) {
		return ImageSpec{}, false
	}
	if subimage != t.curSub || miplevel != t.curMip {
		t.curSub, t.curMip = subimage, miplevel
		t.stripIndex = -1
		t.stripData = nil
	}
	return t.specs[subimage][miplevel], true
}

func (t *tiffInput) ReadTile(x, y, z int) ([]float32, error) {
	ifd := t.levels[t.curSub][t.curMip]
	if !ifd.tiled() {
		return nil, t.fail(fmt.Errorf("ReadTile on scanline file %q", t.path))
	}
	if x%ifd.TileWidth != 0 || y%ifd.TileHeight != 0 {
		return nil, t.fail(fmt.Errorf("tile origin (%d,%d) not on the tile grid", x, y))
	}
	tileX := x / ifd.TileWidth
	tileY := y / ifd.TileHeight
	tilesAcross := (ifd.Width + ifd.TileWidth - 1) / ifd.TileWidth
	tilesDown := (ifd.Height + ifd.TileHeight - 1) / ifd.TileHeight
	if tileX < 0 || tileX >= tilesAcross || tileY < 0 || tileY >= tilesDown || z != 0 {
		return nil, t.fail(fmt.Errorf("tile (%d,%d,%d) out of range", x, y, z))
	}

	index := tileY*tilesAcross + tileX
	raw, err := t.readSegment(ifd.TileOffsets[index], ifd.TileByteCounts[index], ifd.Compression)
	if err != nil {
		return nil, t.fail(fmt.Errorf("read tile %d of %q: %w", index, t.path, err))
	}
	want := ifd.TileWidth * ifd.TileHeight * ifd.SamplesPerPixel
	if len(raw) < want {
		return nil, t.fail(fmt.Errorf("tile %d of %q truncated: %d < %d bytes", index, t.path, len(raw), want))
	}
	return bytesToFloats(raw[:want]), nil
}

func (t *tiffInput) ReadScanline(y, z int) ([]float32, error) {
	ifd := t.levels[t.curSub][t.curMip]
	if ifd.tiled() {
		return nil, t.fail(fmt.Errorf("ReadScanline on tiled file %q", t.path))
	}
	if y < 0 || y >= ifd.Height || z != 0 {
		return nil, t.fail(fmt.Errorf("scanline (%d,%d) out of range", y, z))
	}

	strip := y / ifd.RowsPerStrip
	localY := y % ifd.RowsPerStrip
	rowBytes := ifd.Width * ifd.SamplesPerPixel

	if strip != t.stripIndex {
		data, err := t.readSegment(ifd.StripOffsets[strip], ifd.StripByteCounts[strip], ifd.Compression)
		if err != nil {
			return nil, t.fail(fmt.Errorf("read strip %d of %q: %w", strip, t.path, err))
		}
		t.stripIndex = strip
		t.stripData = data
	}
	off := localY * rowBytes
	if off+rowBytes > len(t.stripData) {
		return nil, t.fail(fmt.Errorf("strip %d of %q truncated", strip, t.path))
	}
	return bytesToFloats(t.stripData[off : off+rowBytes]), nil
}

func (t *tiffInput) readSegment(offset, byteCount, compression int) ([]byte, error) {
	buf := make([]byte, byteCount)
	if _, err := t.reader.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	if compression == compressionDeflate {
		r, err := zlib.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return buf, nil
}

func (t *tiffInput) LastError() string {
	return t.lastErr
}

func (t *tiffInput) fail(err error) error {
	t.lastErr = err.Error()
	return err
}

func (t *tiffInput) Close() error {
	t.stripData = nil
	return t.reader.Close()
}

func bytesToFloats(raw []byte) []float32 {
	out := make([]float32, len(raw))
	for i, b := range raw {
		out[i] = float32(b) / 255.0
	}
	return out
}
