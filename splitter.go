package netcore

// Splitter is the packet-framing contract of spec.md §4.3: given the
// current readable window, it returns how many leading bytes form one
// complete application packet, or 0 if more bytes are needed. A
// splitter must be a pure, stable function of its input; the core
// trusts it completely (spec.md §7 "Framing error" is explicitly the
// caller's responsibility, not detected here).
type Splitter func(data []byte) (retrieveBytes int)

// SplitByByte returns 1 whenever at least one byte is available.
func SplitByByte(data []byte) int {
	if len(data) >= 1 {
		return 1
	}
	return 0
}

// SplitByLine returns the byte count up to and including the first '\r'
// or '\n'. If that terminator is immediately followed by the *other*
// terminator, both are included as one packet (so "\r\n" and "\n\r" are
// one break each), but "\r\r" and "\n\n" are treated as two separate
// breaks — this ambiguity is deliberately preserved from the original
// implementation per spec.md §9's open question.
func SplitByLine(data []byte) int {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			if i+1 < len(data) {
				next := data[i+1]
				if (b == '\r' && next == '\n') || (b == '\n' && next == '\r') {
					return i + 2
				}
			}
			return i + 1
		}
	}
	return 0
}

// SplitByNull returns the byte count up to and including the first NUL.
func SplitByNull(data []byte) int {
	for i, b := range data {
		if b == 0 {
			return i + 1
		}
	}
	return 0
}

// SplitAny returns len(data) whenever at least one byte is available —
// i.e. "frame" whatever is currently buffered, no delimiter required.
func SplitAny(data []byte) int {
	if len(data) >= 1 {
		return len(data)
	}
	return 0
}
