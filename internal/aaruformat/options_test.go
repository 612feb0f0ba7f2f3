package aaruformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCreateOptionsValidates(t *testing.T) {
	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.SectorSize = 512
	require.NoError(t, opts.Validate())
	assert.Equal(t, uint32(4096), opts.SectorsPerBlock)
	assert.Equal(t, uint32(1<<25), opts.Dictionary)
	assert.Equal(t, uint32(256), opts.MaxDdtSizeMiB)
}

func TestValidateRejectsNonPowerOfTwoSectorsPerBlock(t *testing.T) {
	opts := DefaultCreateOptions()
	opts.SectorSize = 512
	opts.SectorsPerBlock = 100
	assert.Error(t, opts.Validate())
}

func TestValidateRequiresSectorSizeForNonOptical(t *testing.T) {
	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.SectorSize = 0
	assert.Error(t, opts.Validate())
}

func TestValidateAllowsZeroSectorSizeForOptical(t *testing.T) {
	opts := DefaultCreateOptions()
	opts.MediaType = MediaCDROM
	opts.SectorSize = 0
	assert.NoError(t, opts.Validate())
}

func TestCreateOptionsShiftMatchesSectorsPerBlock(t *testing.T) {
	golden := []struct {
		sectorsPerBlock uint32
		wantShift       uint32
	}{
		{sectorsPerBlock: 1, wantShift: 0},
		{sectorsPerBlock: 4096, wantShift: 12},
		{sectorsPerBlock: 1 << 16, wantShift: 16},
	}
	for _, g := range golden {
		opts := CreateOptions{SectorsPerBlock: g.sectorsPerBlock}
		assert.Equal(t, g.wantShift, opts.shift())
	}
}

func TestMaxDdtBudgetBytes(t *testing.T) {
	opts := CreateOptions{MaxDdtSizeMiB: 4}
	assert.Equal(t, int64(4*1024*1024), opts.maxDdtBudgetBytes())
}

func TestLoadCreateOptionsEmptyPathReturnsDefaults(t *testing.T) {
	opts, err := LoadCreateOptions("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCreateOptions(), opts)
}
