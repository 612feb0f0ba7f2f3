package aaruformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Identifier:            stringToBytes8(magicCurrent),
		ImageMajorVersion:     2,
		ImageMinorVersion:     1,
		ApplicationID:         7,
		ApplicationMajorMinor: (1 << 16) | 3,
		MediaType:             MediaCDROM,
		CreationTime:          123456789,
		LastWrittenTime:       987654321,
		IndexOffset:           4096,
	}
	buf := h.encode()
	assert.Len(t, buf, headerSize)

	back, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, back)
	assert.True(t, back.isCurrentMagic())
	assert.True(t, back.isValidMagic())
	assert.False(t, back.isLegacyMagic())
}

func TestHeaderLegacyMagicRecognized(t *testing.T) {
	h := Header{Identifier: stringToBytes8(magicLegacy)}
	assert.True(t, h.isLegacyMagic())
	assert.True(t, h.isValidMagic())
	assert.False(t, h.isCurrentMagic())
}

func TestDecodeHeaderRejectsTruncated(t *testing.T) {
	_, err := decodeHeader(make([]byte, headerSize-1))
	assert.Error(t, err)
}

func TestIndexHeaderEncodeDecodeRoundTrip(t *testing.T) {
	ih := IndexHeader{Identifier: BlockTypeIndex, Entries: 12, Crc64: 0xDEADBEEFCAFEBABE}
	buf := ih.encode()
	back, err := decodeIndexHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, ih, back)
}

func TestIndexEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := IndexEntry{BlockType: BlockTypeDataBlock, DataType: DataTypeUserData, Offset: 99999}
	buf := e.encode()
	back, err := decodeIndexEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, e, back)
}

func TestDataBlockHeaderEncodeDecodeRoundTrip(t *testing.T) {
	b := DataBlockHeader{
		Identifier:  BlockTypeDataBlock,
		DataType:    DataTypeUserData,
		Compression: CompressionLzma,
		SectorSize:  2048,
		Length:      4096,
		CmpLength:   2048,
		Crc64:       1,
		CmpCrc64:    2,
	}
	buf := b.encode()
	back, err := decodeDataBlockHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, b, back)
}

func TestDecodeDataBlockHeaderRejectsWrongIdentifier(t *testing.T) {
	b := DataBlockHeader{Identifier: BlockTypeIndex, DataType: DataTypeUserData}
	buf := b.encode()
	_, err := decodeDataBlockHeader(buf)
	assert.ErrorIs(t, err, ErrCorruptBlock)
}

func TestDDTHeaderEncodeDecodeRoundTrip(t *testing.T) {
	d := DDTHeader{
		Identifier:  BlockTypeDeDuplicationTable,
		Type:        DataTypeUserData,
		Compression: CompressionNone,
		Shift:       12,
		Entries:     1000,
		Length:      8000,
		CmpLength:   8000,
		Crc64:       3,
		CmpCrc64:    4,
	}
	buf := d.encode()
	back, err := decodeDDTHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestDecodeDDTHeaderRejectsWrongIdentifier(t *testing.T) {
	d := DDTHeader{Identifier: BlockTypeDataBlock}
	buf := d.encode()
	_, err := decodeDDTHeader(buf)
	assert.ErrorIs(t, err, ErrCorruptBlock)
}

func TestFixedBlockHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := fixedBlockHeader{Identifier: BlockTypeTracksBlock, Length: 53, Crc64: 0x1122334455667788}
	buf := h.encode()
	assert.Len(t, buf, fixedBlockHeaderSize)
	back, err := decodeFixedBlockHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, back)
}

func TestFiletimeRoundTrip(t *testing.T) {
	unixSeconds := int64(1_700_000_000)
	ft := unixToFiletime(unixSeconds, 0)
	gotNanos := filetimeToUnixNano(ft)
	assert.Equal(t, unixSeconds*1_000_000_000, gotNanos)
}
