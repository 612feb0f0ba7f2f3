package aaruformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagDataTypeMapping(t *testing.T) {
	golden := []struct {
		tag  TagKind
		want DataType
	}{
		{tag: TagDVDPFI, want: DataTypeDVDMediaTag},
		{tag: TagDVDDMI, want: DataTypeDVDMediaTag},
		{tag: TagDVDCMI, want: DataTypeDVDMediaTag},
		{tag: TagGenericIdentify, want: DataTypeGenericMediaTag},
		{tag: TagFloppyLeadOut, want: DataTypeGenericMediaTag},
		{tag: TagCompactDiscMediaCatalogueNumber, want: DataTypeCompactDiscMediaTag},
	}
	for _, g := range golden {
		assert.Equal(t, g.want, tagDataType(g.tag))
	}
}

func TestTracksEncodeDecodeRoundTrip(t *testing.T) {
	tracks := []Track{
		{Sequence: 1, Type: TrackAudio, StartSector: 0, EndSector: 149, Pregap: 150, Session: 1, ISRC: "USRC17607839", Flags: 0x0C},
		{Sequence: 2, Type: TrackCdMode1, StartSector: 150, EndSector: 9999, Session: 1},
	}
	buf := encodeTracks(tracks)
	back, err := decodeTracks(buf)
	require.NoError(t, err)
	assert.Equal(t, tracks, back)
}

func TestDecodeTracksRejectsMisalignedPayload(t *testing.T) {
	_, err := decodeTracks(make([]byte, trackRecordSize+1))
	assert.Error(t, err)
}

func TestGeometryEncodeDecodeRoundTrip(t *testing.T) {
	g := Geometry{Cylinders: 1024, Heads: 16, SectorsPerTrack: 63}
	buf := encodeGeometry(g)
	back, err := decodeGeometry(buf)
	require.NoError(t, err)
	assert.Equal(t, g, back)
}

func TestDumpHardwareEncodeDecodeRoundTrip(t *testing.T) {
	entries := []DumpHardwareEntry{
		{
			Manufacturer: "PLEXTOR", Model: "PX-716A", Revision: "1.07", Firmware: "1.07", Serial: "AB12345",
			SoftwareName: "aarufmt", SoftwareVersion: "0.3.0", SoftwareOperatingSystem: "linux",
			Extents: []DumpHardwareExtent{{Start: 0, End: 99}, {Start: 100, End: 199}},
		},
		{Manufacturer: "HL-DT-ST"},
	}
	buf := encodeDumpHardware(entries)
	back, err := decodeDumpHardware(buf)
	require.NoError(t, err)
	assert.Equal(t, entries, back)
}

func TestDumpHardwareRoundTripEmpty(t *testing.T) {
	buf := encodeDumpHardware(nil)
	back, err := decodeDumpHardware(buf)
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestTapePartitionsEncodeDecodeRoundTrip(t *testing.T) {
	parts := []TapePartition{{Number: 0, FirstBlock: 0, LastBlock: 100}, {Number: 1, FirstBlock: 101, LastBlock: 500}}
	buf := encodeTapePartitions(parts)
	back, err := decodeTapePartitions(buf)
	require.NoError(t, err)
	assert.Equal(t, parts, back)
}

func TestTapeFilesEncodeDecodeRoundTrip(t *testing.T) {
	files := []TapeFile{{Partition: 0, FirstBlock: 0, LastBlock: 50}}
	buf := encodeTapeFiles(files)
	back, err := decodeTapeFiles(buf)
	require.NoError(t, err)
	assert.Equal(t, files, back)
}

func TestMetadataEncodeDecodeRoundTrip(t *testing.T) {
	m := Metadata{Creator: "aarufmt", Comments: "test image with unicode éè", Label: "DISC 1", DriveID: ""}
	buf := encodeMetadata(m)
	back, err := decodeMetadata(buf)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestMetadataEncodeDecodeAllEmpty(t *testing.T) {
	buf := encodeMetadata(Metadata{})
	back, err := decodeMetadata(buf)
	require.NoError(t, err)
	assert.Equal(t, Metadata{}, back)
}

func TestDecodeChecksumBlockRoundTrip(t *testing.T) {
	w := newLeWriter(0)
	w.writeNulString("md5", checksumNameWidth)
	w.writeU32(4)
	w.writeBytes([]byte{1, 2, 3, 4})
	w.writeNulString("sha256", checksumNameWidth)
	w.writeU32(2)
	w.writeBytes([]byte{0xAA, 0xBB})

	out, err := decodeChecksumBlock(w.bytes())
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"md5": {1, 2, 3, 4}, "sha256": {0xAA, 0xBB}}, out)
}
