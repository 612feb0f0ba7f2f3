package aaruformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDDTPackUnpackEntry(t *testing.T) {
	d := newDDT(DataTypeUserData, 24, 8, false, 0)

	golden := []struct {
		blockOffset int64
		intraIndex  uint32
	}{
		{blockOffset: 0, intraIndex: 0},
		{blockOffset: headerSize, intraIndex: 1},
		{blockOffset: (1 << 40) - 1, intraIndex: (1 << 24) - 1},
	}
	for _, g := range golden {
		e := d.packEntry(g.blockOffset, g.intraIndex)
		gotOffset, gotIndex := d.unpackEntry(e)
		assert.Equal(t, g.blockOffset, gotOffset)
		assert.Equal(t, g.intraIndex, gotIndex)
	}
}

func TestDDTSetGetDense(t *testing.T) {
	d := newDDT(DataTypeUserData, 16, 4, false, 0)

	require.NoError(t, d.set(0, 0x1234))
	require.NoError(t, d.set(3, 0x5678))

	e, ok := d.get(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1234), e)

	e, ok = d.get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(0x5678), e)

	_, ok = d.get(1)
	require.True(t, ok)

	err := d.set(4, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDDTSetGetTapeMaterialize(t *testing.T) {
	d := newDDT(DataTypeUserData, 16, 0, true, 0)

	require.NoError(t, d.set(5, 0xAAAA))
	require.NoError(t, d.set(1000000, 0xBBBB))

	d.materializeTape()
	require.Len(t, d.dense, 1000001)
	assert.Equal(t, uint64(0xAAAA), d.dense[5])
	assert.Equal(t, uint64(0xBBBB), d.dense[1000000])
	for _, addr := range []int{0, 1, 6, 999999} {
		assert.Zero(t, d.dense[addr])
	}
}

func TestDDTPackUnpackRoundTrip(t *testing.T) {
	d := newDDT(DataTypeUserData, 16, 4, false, 0)
	require.NoError(t, d.set(0, 1))
	require.NoError(t, d.set(1, 0xFFFFFFFF))
	require.NoError(t, d.set(2, 42))
	require.NoError(t, d.set(3, 0))

	payload := d.pack()
	assert.Len(t, payload, 4*8)

	back, err := unpackDDT(DataTypeUserData, 16, 8, payload)
	require.NoError(t, err)
	assert.Equal(t, d.dense, back.dense)
}

func TestDDTPackUnpackEntrySize4(t *testing.T) {
	d := newDDT(DataTypeCdSectorPrefixCorrected, 8, 3, false, 0)
	require.Equal(t, 4, d.entrySize)
	require.NoError(t, d.set(0, 0xDEADBEEF))
	require.NoError(t, d.set(1, 7))
	require.NoError(t, d.set(2, 0))

	payload := d.pack()
	assert.Len(t, payload, 3*4)

	back, err := unpackDDT(DataTypeCdSectorPrefixCorrected, 8, 4, payload)
	require.NoError(t, err)
	assert.Equal(t, d.dense, back.dense)
}

func TestUnpackDDTRejectsMisalignedPayload(t *testing.T) {
	_, err := unpackDDT(DataTypeUserData, 16, 8, make([]byte, 7))
	assert.Error(t, err)
}

func TestDDTExceedsBudget(t *testing.T) {
	// A dense DDT's size is its declared entry count times 8 bytes.
	d := newDDT(DataTypeUserData, 16, 2, false, 16)
	assert.False(t, d.exceedsBudget())

	d = newDDT(DataTypeUserData, 16, 3, false, 16)
	require.NoError(t, d.set(0, 1))
	require.NoError(t, d.set(1, 1))
	require.NoError(t, d.set(2, 1))
	assert.True(t, d.exceedsBudget())
}
