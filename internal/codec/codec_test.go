package codec

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 2, 3, 8192, 8193, chunkSize, chunkSize + 1, 1_000_000} {
		b := make([]byte, size)
		_, err := rand.Read(b)
		require.NoError(t, err)

		encoded := Encode(b)
		decoded, err := Decode(encoded)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, b, decoded, "size %d", size)
	}
}

func TestEncodeMatchesStandardBase64(t *testing.T) {
	b := make([]byte, 3*chunkSize+2)
	_, err := rand.Read(b)
	require.NoError(t, err)

	assert.Equal(t, base64.StdEncoding.EncodeToString(b), Encode(b))
}

func TestDecodeMalformed(t *testing.T) {
	for _, s := range []string{"!!!", "abc", "ab=c", "YWJj\x00"} {
		_, err := Decode(s)
		assert.True(t, errors.Is(err, ErrMalformed), "input %q: %v", s, err)
	}
}
