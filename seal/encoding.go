package seal

import (
	"encoding/base64"
	"fmt"
	"strings"
)

var sanitizer = strings.NewReplacer(
	"\n", "",
	"\r", "",
	"\t", "",
	" ", "+", // form-encoded '+' arrives as a space
	"-", "+",
	"_", "/",
)

// Sanitize normalises a base64 blob that may have passed through URLs, form
// bodies or headers: whitespace is dropped, the URL-safe alphabet is mapped
// to the standard one and padding is restored to a multiple of four.
func Sanitize(blob string) string {
	s := sanitizer.Replace(strings.TrimSpace(blob))
	s = strings.TrimRight(s, "=")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

func decode(blob string) ([]byte, error) {
	s := Sanitize(blob)
	if s == "" {
		return nil, fmt.Errorf("%w: empty blob", ErrDecryptionFailure)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return raw, nil
}

// LooksLikeJWS reports whether s has the shape of a compact JWS: exactly three
// non-empty base64url segments separated by two dots. Sealed blobs never
// contain a dot.
func LooksLikeJWS(s string) bool {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || !isBase64URL(p) {
			return false
		}
	}
	return true
}

func isBase64URL(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
