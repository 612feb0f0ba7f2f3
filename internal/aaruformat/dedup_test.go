package aaruformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aarufmt/internal/aaruformat/codec"
)

func newSHA256Digest() codec.Digest { return codec.NewSHA256() }

func TestDedupStoreDisabledSkipsNonZeroSectors(t *testing.T) {
	s := newDedupStore(false, newSHA256Digest)

	sector := []byte("not all zero")
	_, _, shouldHash, ok := s.lookup(sector)
	assert.False(t, shouldHash)
	assert.False(t, ok)
}

func TestDedupStoreAlwaysDedupsZeroSectors(t *testing.T) {
	s := newDedupStore(false, newSHA256Digest)

	zero := make([]byte, 512)
	_, key, shouldHash, ok := s.lookup(zero)
	require.True(t, shouldHash)
	assert.False(t, ok)
	require.NotEmpty(t, key)

	s.record(key, 99)

	entry, _, shouldHash2, ok2 := s.lookup(zero)
	require.True(t, shouldHash2)
	require.True(t, ok2)
	assert.Equal(t, uint64(99), entry)
}

func TestDedupStoreEnabledHitsOnRepeatedContent(t *testing.T) {
	s := newDedupStore(true, newSHA256Digest)

	sectorA := []byte("abcdefgh")
	sectorB := []byte("abcdefgh")
	sectorC := []byte("zzzzzzzz")

	_, keyA, _, ok := s.lookup(sectorA)
	require.False(t, ok)
	s.record(keyA, 1)

	entry, _, _, ok := s.lookup(sectorB)
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry)

	_, _, _, ok = s.lookup(sectorC)
	assert.False(t, ok)
}

func TestIsAllZero(t *testing.T) {
	assert.True(t, isAllZero(nil))
	assert.True(t, isAllZero(make([]byte, 2048)))
	assert.False(t, isAllZero([]byte{0, 0, 1}))
}

func TestDedupStoreRecordIgnoresEmptyKey(t *testing.T) {
	s := newDedupStore(true, newSHA256Digest)
	s.record("", 12345)
	assert.Empty(t, s.known)
}
