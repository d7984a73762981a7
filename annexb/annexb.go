// Package annexb scans Annex-B elementary streams: start-code delimited
// NAL units of H.264 and HEVC.
package annexb

// NALU is a NAL unit located in a buffer.
type NALU struct {
	// Offset is the position of the start code.
	Offset int

	// StartCodeLength is 3 or 4.
	StartCodeLength int

	// Payload is the NAL unit itself without the start code. It aliases
	// the scanned buffer.
	Payload []byte
}

// Size returns the size of the NAL unit including its start code.
func (n NALU) Size() int {
	return n.StartCodeLength + len(n.Payload)
}

// Scan locates all NAL units in b. Bytes before the first start code
// are ignored.
func Scan(b []byte) []NALU {
	var nalus []NALU
	n := len(b)
	i := 0

	for {
		start := FindStartCode(b, i)
		if start < 0 {
			break
		}

		scLen := 3
		if start+3 < n && b[start+2] == 0 && b[start+3] == 1 {
			scLen = 4
		}

		next := FindStartCode(b, start+scLen)
		end := n
		if next >= 0 {
			end = next
		}

		if start+scLen < end {
			nalus = append(nalus, NALU{
				Offset:          start,
				StartCodeLength: scLen,
				Payload:         b[start+scLen : end],
			})
		}

		if next < 0 {
			break
		}
		i = next
	}

	return nalus
}

// Split returns copies of the NAL unit payloads found in b.
func Split(b []byte) [][]byte {
	var result [][]byte
	for _, nalu := range Scan(b) {
		result = append(result, append([]byte(nil), nalu.Payload...))
	}
	return result
}

// FindStartCode returns the position of the first 3- or 4-byte start
// code at or after start, or -1.
func FindStartCode(b []byte, start int) int {
	n := len(b)
	for i := start; i+3 <= n; i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		// 00 00 01
		if b[i+2] == 1 {
			return i
		}
		// 00 00 00 01
		if i+4 <= n && b[i+2] == 0 && b[i+3] == 1 {
			return i
		}
	}
	return -1
}

// IsStartCode reports whether b is exactly a start code.
func IsStartCode(b []byte) bool {
	switch len(b) {
	case 3:
		return b[0] == 0 && b[1] == 0 && b[2] == 1
	case 4:
		return b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1
	}
	return false
}
