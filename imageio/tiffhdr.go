package imageio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// https://www.loc.gov/preservation/digital/formats/content/tiff_tags.shtml
const (
	tagNewSubfileType           = 254
	tagImageWidth               = 256
	tagImageLength              = 257
	tagBitsPerSample            = 258
	tagCompression              = 259
	tagPhotometric              = 262
	tagImageDescription         = 270
	tagStripOffsets             = 273
	tagSamplesPerPixel          = 277
	tagRowsPerStrip             = 278
	tagStripByteCounts          = 279
	tagPlanarConfiguration      = 284
	tagPageName                 = 285
	tagTileWidth                = 322
	tagTileLength               = 323
	tagTileOffsets              = 324
	tagTileByteCounts           = 325
)

const (
	compressionNone    = 1
	compressionDeflate = 8

	photometricBlackIsZero = 1
	photometricRGB         = 2

	subfileReducedResolution = 0x1
)

// tiffIFD is one image file directory: one subimage at one MIP level.
type tiffIFD struct {
	SubfileType     int
	Width, Height   int
	RowsPerStrip    int
	StripOffsets    []int
	StripByteCounts []int
	TileWidth       int
	TileHeight      int
	TileOffsets     []int
	TileByteCounts  []int
	BitsPerSample   []int
	SamplesPerPixel int
	Photometric     int
	Compression     int
	PlanarConfig    int
	Description     string
	PageName        string
}

func (d *tiffIFD) tiled() bool {
	return d.TileWidth > 0 && len(d.TileOffsets) > 0
}

// parseTIFF reads the header and every IFD in the chain. It does not touch
// pixel data.
func parseTIFF(reader io.ReaderAt) (binary.ByteOrder, []tiffIFD, error) {
	read := func(offset int64, size int) ([]byte, error) {
		buf := make([]byte, size)
		_, err := reader.ReadAt(buf, offset)
		return buf, err
	}

	header, err := read(0, 8)
	if err != nil {
		return nil, nil, err
	}

	var bo binary.ByteOrder
	switch string(header[0:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("invalid byte order")
	}
	if bo.Uint16(header[2:4]) != 42 {
		return nil, nil, fmt.Errorf("invalid TIFF magic number")
	}

	var ifds []tiffIFD
	ifdOffset := int64(bo.Uint32(header[4:8]))
	for ifdOffset != 0 {
		if len(ifds) > 256 {
			return nil, nil, fmt.Errorf("IFD chain too long")
		}
		ifd, next, err := parseIFD(reader, bo, ifdOffset, read)
		if err != nil {
			return nil, nil, err
		}
		ifds = append(ifds, ifd)
		ifdOffset = next
	}
	if len(ifds) == 0 {
		return nil, nil, fmt.Errorf("no IFD found")
	}
	return bo, ifds, nil
}

func parseIFD(reader io.ReaderAt, bo binary.ByteOrder, ifdOffset int64, read func(int64, int) ([]byte, error)) (tiffIFD, int64, error) {
	entryCountRaw, err := read(ifdOffset, 2)
	if err != nil {
		return tiffIFD{}, 0, err
	}
	numEntries := int(bo.Uint16(entryCountRaw))
	entriesRaw, err := read(ifdOffset+2, numEntries*12+4)
	if err != nil {
		return tiffIFD{}, 0, err
	}
	nextOffset := int64(bo.Uint32(entriesRaw[numEntries*12:]))

	ifd := tiffIFD{
		SamplesPerPixel: 1,
		Photometric:     -1,
		Compression:     compressionNone,
		PlanarConfig:    1, // default
	}

	for i := 0; i < numEntries; i++ {
		entry := entriesRaw[i*12 : (i+1)*12]
		tag := bo.Uint16(entry[0:2])
		typ := bo.Uint16(entry[2:4])
		count := bo.Uint32(entry[4:8])
		valOffset := int64(bo.Uint32(entry[8:12]))

		// SHORT values store the value itself in the offset field.
		inlineValue := func() int {
			if typ == 3 { // SHORT
				return int(bo.Uint16(entry[8:10]))
			}
			return int(valOffset)
		}

		readShortArray := func() ([]int, error) {
			if count == 1 {
				return []int{int(bo.Uint16(entry[8:10]))}, nil
			}
			if count == 2 {
				return []int{int(bo.Uint16(entry[8:10])), int(bo.Uint16(entry[10:12]))}, nil
			}
			buf, err := read(valOffset, int(count*2))
			if err != nil {
				return nil, err
			}
			out := make([]int, count)
			for i := uint32(0); i < count; i++ {
				out[i] = int(bo.Uint16(buf[i*2:]))
			}
			return out, nil
		}
		readLongArray := func() ([]int, error) {
			if typ == 3 { // SHORT-typed offsets happen in small files
				return readShortArray()
			}
			if count == 1 {
				return []int{int(valOffset)}, nil
			}
			buf, err := read(valOffset, int(count*4))
			if err != nil {
				return nil, err
			}
			out := make([]int, count)
			for i := uint32(0); i < count; i++ {
				out[i] = int(bo.Uint32(buf[i*4:]))
			}
			return out, nil
		}
		readASCII := func() (string, error) {
			if count == 0 {
				return "", nil
			}
			var buf []byte
			if count <= 4 {
				buf = entry[8 : 8+count]
			} else {
				var err error
				buf, err = read(valOffset, int(count))
				if err != nil {
					return "", err
				}
			}
			// Strings are NUL-terminated.
			for i, b := range buf {
				if b == 0 {
					return string(buf[:i]), nil
				}
			}
			return string(buf), nil
		}

		switch tag {
		case tagNewSubfileType:
			ifd.SubfileType = int(valOffset)
		case tagImageWidth:
			ifd.Width = inlineValue()
		case tagImageLength:
			ifd.Height = inlineValue()
		case tagBitsPerSample:
			ifd.BitsPerSample, err = readShortArray()
		case tagCompression:
			ifd.Compression = int(bo.Uint16(entry[8:10]))
		case tagPhotometric:
			ifd.Photometric = int(bo.Uint16(entry[8:10]))
		case tagImageDescription:
			ifd.Description, err = readASCII()
		case tagStripOffsets:
			ifd.StripOffsets, err = readLongArray()
		case tagSamplesPerPixel:
			ifd.SamplesPerPixel = int(bo.Uint16(entry[8:10]))
		case tagRowsPerStrip:
			ifd.RowsPerStrip = inlineValue()
		case tagStripByteCounts:
			ifd.StripByteCounts, err = readLongArray()
		case tagPlanarConfiguration:
			ifd.PlanarConfig = int(bo.Uint16(entry[8:10]))
		case tagPageName:
			ifd.PageName, err = readASCII()
		case tagTileWidth:
			ifd.TileWidth = inlineValue()
		case tagTileLength:
			ifd.TileHeight = inlineValue()
		case tagTileOffsets:
			ifd.TileOffsets, err = readLongArray()
		case tagTileByteCounts:
			ifd.TileByteCounts, err = readLongArray()
		}
		if err != nil {
			return tiffIFD{}, 0, err
		}
	}

	if err := validateIFD(&ifd); err != nil {
		return tiffIFD{}, 0, err
	}
	return ifd, nextOffset, nil
}

func validateIFD(ifd *tiffIFD) error {
	if ifd.Width <= 0 || ifd.Height <= 0 {
		return fmt.Errorf("invalid dimensions")
	}
	if ifd.Compression != compressionNone && ifd.Compression != compressionDeflate {
		return fmt.Errorf("unsupported compression: %d", ifd.Compression)
	}
	if ifd.Photometric != photometricRGB && ifd.Photometric != photometricBlackIsZero {
		return fmt.Errorf("unsupported photometric interpretation: %d", ifd.Photometric)
	}
	if ifd.SamplesPerPixel < 1 || ifd.SamplesPerPixel > 4 {
		return fmt.Errorf("unsupported samples/pixel: %d", ifd.SamplesPerPixel)
	}
	for _, b := range ifd.BitsPerSample {
		if b != 8 {
			return fmt.Errorf("expected 8 bits per sample, got %v", ifd.BitsPerSample)
		}
	}
	if ifd.PlanarConfig != 1 {
		return fmt.Errorf("unsupported planar configuration: %d", ifd.PlanarConfig)
	}
	if ifd.tiled() {
		if len(ifd.TileOffsets) != len(ifd.TileByteCounts) {
			return fmt.Errorf("invalid tile offset/length")
		}
	} else {
		if len(ifd.StripOffsets) == 0 || len(ifd.StripOffsets) != len(ifd.StripByteCounts) {
			return fmt.Errorf("invalid strip offset/length")
		}
		if ifd.RowsPerStrip <= 0 {
			ifd.RowsPerStrip = ifd.Height
		}
	}
	return nil
}
