package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrc64ECMAKnownVector(t *testing.T) {
	h := NewCrc64ECMA()
	_, _ = h.Write([]byte("123456789"))
	assert.Equal(t, uint64(0x995dc9bbdf1939fa), h.Sum64())
}

func TestCrc64ECMAResetClearsState(t *testing.T) {
	h := NewCrc64ECMA()
	_, _ = h.Write([]byte("some data"))
	assert.NotZero(t, h.Sum64())

	h.Reset()
	assert.Zero(t, h.Sum64())
}

func TestCrc64ECMAIncrementalMatchesOneShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	whole := NewCrc64ECMA()
	_, _ = whole.Write(data)

	split := NewCrc64ECMA()
	_, _ = split.Write(data[:10])
	_, _ = split.Write(data[10:])

	assert.Equal(t, whole.Sum64(), split.Sum64())
}
