package aaruformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataTypeSectorSliceSize(t *testing.T) {
	golden := []struct {
		dt   DataType
		want int
	}{
		{dt: DataTypeCdSectorPrefix, want: 16},
		{dt: DataTypeCdSectorPrefixCorrected, want: 16},
		{dt: DataTypeCdSectorSuffix, want: 288},
		{dt: DataTypeCdSectorSuffixCorrected, want: 288},
		{dt: DataTypeCdSectorSubchannel, want: 96},
		{dt: DataTypeMode2Subheader, want: 8},
		{dt: DataTypeAppleProfileTag, want: 12},
		{dt: DataTypeAppleSonyTag, want: 20},
		{dt: DataTypePriamDataTowerTag, want: 24},
		{dt: DataTypeUserData, want: 0},
		{dt: DataTypeCompactDiscMediaTag, want: 0},
	}
	for _, g := range golden {
		assert.Equal(t, g.want, g.dt.sectorSliceSize())
	}
}

func TestMediaTypeIsOptical(t *testing.T) {
	optical := []MediaType{MediaCDROM, MediaCDDA, MediaDVDROM, MediaJaguarCD}
	for _, m := range optical {
		assert.True(t, m.IsOptical())
	}
	nonOptical := []MediaType{MediaGenericHDD, MediaFloppy35DD, MediaLTO}
	for _, m := range nonOptical {
		assert.False(t, m.IsOptical())
	}
}

func TestMediaTypeIsTape(t *testing.T) {
	assert.True(t, MediaLTO.IsTape())
	assert.True(t, MediaDAT.IsTape())
	assert.True(t, MediaTravan.IsTape())
	assert.False(t, MediaGenericHDD.IsTape())
	assert.False(t, MediaCDROM.IsTape())
}

func TestTrackTypeIsCdMode2(t *testing.T) {
	assert.True(t, TrackCdMode2Formless.IsCdMode2())
	assert.True(t, TrackCdMode2Form1.IsCdMode2())
	assert.True(t, TrackCdMode2Form2.IsCdMode2())
	assert.False(t, TrackCdMode1.IsCdMode2())
	assert.False(t, TrackAudio.IsCdMode2())
}
