// Package text writes JSON strings the way event ids are computed over them:
// RFC8259 escaping, no HTML escaping, no trailing newline.
package text

const hexDigits = "0123456789abcdef"

// AppendQuoted appends s to dst as a quoted JSON string.
func AppendQuoted(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c >= 0x20:
			dst = append(dst, c)
		case c == '\b':
			dst = append(dst, '\\', 'b')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\f':
			dst = append(dst, '\\', 'f')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
	}
	return append(dst, '"')
}

// Quote returns s as a quoted JSON string.
func Quote(s string) []byte { return AppendQuoted(make([]byte, 0, len(s)+2), s) }
