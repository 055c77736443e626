package tuntap

// totalLen is the combined length of bufs.
func totalLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// gather concatenates bufs into dst and returns the bytes copied.
func gather(dst []byte, bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += copy(dst[n:], b)
	}
	return n
}

// scatter spreads src over bufs in order and returns the bytes copied.
func scatter(bufs [][]byte, src []byte) int {
	n := 0
	for _, b := range bufs {
		if n == len(src) {
			break
		}
		n += copy(b, src[n:])
	}
	return n
}

// skip drops the first n bytes from the region list without copying.
func skip(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n > 0 {
		if n < len(bufs[0]) {
			out := make([][]byte, len(bufs))
			copy(out, bufs)
			out[0] = out[0][n:]
			return out
		}
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	return bufs
}

// prepend returns hdr followed by bufs.
func prepend(hdr []byte, bufs [][]byte) [][]byte {
	out := make([][]byte, 0, len(bufs)+1)
	out = append(out, hdr)
	return append(out, bufs...)
}
