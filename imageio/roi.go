package imageio

// ROI is a half-open pixel region plus a channel range, in data-window
// coordinates.
type ROI struct {
	XBegin, XEnd int
	YBegin, YEnd int
	ZBegin, ZEnd int
	ChBegin, ChEnd int
}

// FullROI returns the ROI covering the spec's entire data window and all
// channels.
func FullROI(spec *ImageSpec) ROI {
	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	return ROI{
		XBegin: spec.X, XEnd: spec.X + spec.Width,
		YBegin: spec.Y, YEnd: spec.Y + spec.Height,
		ZBegin: spec.Z, ZEnd: spec.Z + depth,
		ChBegin: 0, ChEnd: spec.NChannels,
	}
}

// NPixels returns the number of pixels in the region.
func (r ROI) NPixels() int {
	return (r.XEnd - r.XBegin) * (r.YEnd - r.YBegin) * (r.ZEnd - r.ZBegin)
}

// NChannels returns the number of channels in the region.
func (r ROI) NChannels() int {
	return r.ChEnd - r.ChBegin
}

// Within reports whether r lies entirely inside the spec's data window and
// channel range.
func (r ROI) Within(spec *ImageSpec) bool {
	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	return r.XBegin >= spec.X && r.XEnd <= spec.X+spec.Width &&
		r.YBegin >= spec.Y && r.YEnd <= spec.Y+spec.Height &&
		r.ZBegin >= spec.Z && r.ZEnd <= spec.Z+depth &&
		r.ChBegin >= 0 && r.ChEnd <= spec.NChannels &&
		r.XBegin < r.XEnd && r.YBegin < r.YEnd && r.ZBegin < r.ZEnd &&
		r.ChBegin < r.ChEnd
}
