package aaruformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackerSelectCodec(t *testing.T) {
	golden := []struct {
		name        string
		compress    bool
		optical     bool
		audio       bool
		carriesData bool
		want        CompressionKind
	}{
		{name: "disabled", compress: false, optical: true, audio: true, want: CompressionNone},
		{name: "data track", compress: true, optical: false, audio: false, want: CompressionLzma},
		{name: "cd audio track", compress: true, optical: true, audio: true, want: CompressionFlac},
		{name: "cd audio-as-data", compress: true, optical: true, audio: true, carriesData: true, want: CompressionLzma},
	}
	for _, g := range golden {
		t.Run(g.name, func(t *testing.T) {
			p := newPacker(DataTypeUserData, 2048, 12, g.compress, g.optical, g.carriesData, 588, 1<<25)
			assert.Equal(t, g.want, p.selectCodec(g.audio))
		})
	}
}

func TestPackerAppendAndFlushUncompressed(t *testing.T) {
	p := newPacker(DataTypeUserData, 512, 1, false, false, false, 0, 0)

	sector0 := make([]byte, 512)
	for i := range sector0 {
		sector0[i] = byte(i)
	}
	sector1 := make([]byte, 512)
	for i := range sector1 {
		sector1[i] = byte(i + 1)
	}

	idx0, err := p.append(sector0, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx0)

	idx1, err := p.append(sector1, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), idx1)

	assert.True(t, p.blockFull())

	block, err := p.flush()
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, CompressionNone, block.Header.Compression)
	assert.Equal(t, uint64(1024), block.Header.Length)
	assert.Equal(t, uint64(1024), block.Header.CmpLength)
	assert.Equal(t, append(sector0, sector1...), block.Payload)
	assert.False(t, p.isOpen())
}

func TestPackerFlushOnEmptyReturnsNil(t *testing.T) {
	p := newPacker(DataTypeUserData, 512, 12, false, false, false, 0, 0)
	block, err := p.flush()
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestPackerNeedsFlushForSizeMismatch(t *testing.T) {
	p := newPacker(DataTypeUserData, 512, 12, false, false, false, 0, 0)
	_, err := p.append(make([]byte, 512), false)
	require.NoError(t, err)

	assert.True(t, p.needsFlushFor(2048, false))
	assert.False(t, p.needsFlushFor(512, false))
}

func TestPackerNeedsFlushForBlockFull(t *testing.T) {
	p := newPacker(DataTypeUserData, 512, 1, false, false, false, 0, 0)
	_, err := p.append(make([]byte, 512), false)
	require.NoError(t, err)
	_, err = p.append(make([]byte, 512), false)
	require.NoError(t, err)

	assert.True(t, p.needsFlushFor(512, false))
}
