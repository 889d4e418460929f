package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Multiple of 3 so every chunk encodes without padding except the last one.
const chunkSize = 3 * 4096

var ErrMalformed = errors.New("codec: malformed payload")

// Encode returns the standard padded base64 form of b.
func Encode(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(b)))

	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	for off := 0; off < len(b); off += chunkSize {
		end := off + chunkSize
		if end > len(b) {
			end = len(b)
		}
		// strings.Builder never fails a write
		_, _ = enc.Write(b[off:end])
	}
	_ = enc.Close()

	return sb.String()
}

// Decode reverses Encode.
func Decode(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}
