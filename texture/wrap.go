package texture

// wrapTexel maps a texel index onto [0, n) per the wrap mode. The second
// result is false only for WrapBlack outside the range, in which case the
// texel contributes zero.
func wrapTexel(i, n int, mode WrapMode) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	if i >= 0 && i < n {
		return i, true
	}
	switch mode {
	case WrapClamp:
		if i < 0 {
			return 0, true
		}
		return n - 1, true
	case WrapPeriodic:
		i %= n
		if i < 0 {
			i += n
		}
		return i, true
	case WrapMirror:
		period := 2 * n
		i %= period
		if i < 0 {
			i += period
		}
		if i >= n {
			i = period - 1 - i
		}
		return i, true
	default: // WrapBlack
		return 0, false
	}
}
