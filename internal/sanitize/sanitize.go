// Package sanitize implements the non-printable-byte replacement described
// in spec §4.6.3, used by the -t/-T flags.
package sanitize

// Bytes replaces each byte outside printable ASCII (0x20-0x7E) with '_',
// except TAB, LF, CR, BS, and BEL, which are preserved unchanged. The input
// is modified in place and also returned, matching the in-place filters
// used elsewhere in the retrieved corpus for per-frame byte transforms.
func Bytes(b []byte) []byte {
	for i, c := range b {
		if isPreserved(c) {
			continue
		}
		if c < 0x20 || c > 0x7E {
			b[i] = '_'
		}
	}
	return b
}

func isPreserved(c byte) bool {
	switch c {
	case '\t', '\n', '\r', 0x08, 0x07: // TAB, LF, CR, BS, BEL
		return true
	}
	return false
}
