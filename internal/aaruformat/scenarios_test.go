package aaruformat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tape media addresses blocks sparsely: a partition/file-aware image that
// only writes a few scattered block numbers must read back the written
// blocks unchanged and report the untouched gaps as not dumped.
func TestTapeImageSparseBlocksWithPartitionsAndFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tape.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaLTO
	opts.SectorSize = 512
	opts.SectorsPerBlock = 16

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)

	written := []uint64{0, 1, 50, 4096}
	for _, addr := range written {
		require.NoError(t, w.WriteSector(sectorPattern(addr, 512), addr))
	}

	require.NoError(t, w.SetTapePartitions([]TapePartition{
		{Number: 0, FirstBlock: 0, LastBlock: 100},
		{Number: 1, FirstBlock: 101, LastBlock: 4096},
	}))
	require.NoError(t, w.SetTapeFiles([]TapeFile{
		{Partition: 0, FirstBlock: 0, LastBlock: 50},
		{Partition: 1, FirstBlock: 4096, LastBlock: 4096},
	}))

	_, err = w.Close()
	require.NoError(t, err)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	for _, addr := range written {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, sectorPattern(addr, 512), got)
	}

	_, err = r.ReadSector(2000)
	assert.ErrorIs(t, err, ErrSectorNotDumped)

	require.Len(t, r.TapePartitions(), 2)
	assert.Equal(t, uint64(4096), r.TapePartitions()[1].LastBlock)
	require.Len(t, r.TapeFiles(), 2)
	assert.Equal(t, uint32(1), r.TapeFiles()[1].Partition)
}

// A data block that isn't the dense user-data block (here, a whole-image
// media tag) can be corrupted on disk without preventing the rest of the
// image from opening and reading back correctly; only the corrupted tag
// itself becomes unavailable.
func TestCorruptedMediaTagBlockSkippedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt-tag.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 4
	opts.SectorSize = 512

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	for addr := uint64(0); addr < 4; addr++ {
		require.NoError(t, w.WriteSector(sectorPattern(addr, 512), addr))
	}
	require.NoError(t, w.WriteMediaTag(TagGenericIdentify, []byte("IDENTIFY PAYLOAD BEFORE CORRUPTION")))
	_, err = w.Close()
	require.NoError(t, err)

	corruptDataBlockPayload(t, path, tagDataType(TagGenericIdentify))

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	for addr := uint64(0); addr < 4; addr++ {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, sectorPattern(addr, 512), got)
	}

	_, err = r.ReadMediaTag(TagGenericIdentify)
	assert.Error(t, err)
}

// A corrupted user-data block is treated as absent: its sectors read back
// as not dumped, other blocks stay readable, and the image can still be
// reopened for append and re-dumped.
func TestCorruptedUserDataBlockReadsAsNotDumped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt-data.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 4
	opts.SectorSize = 512
	opts.SectorsPerBlock = 2
	opts.Compress = false
	opts.Deduplicate = false

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	for addr := uint64(0); addr < 4; addr++ {
		require.NoError(t, w.WriteSector(sectorPattern(addr, 512), addr))
	}
	_, err = w.Close()
	require.NoError(t, err)

	// Two sectors per block: flipping a byte in the first block's payload
	// takes down sectors 0 and 1 while leaving 2 and 3 intact.
	corruptDataBlockPayload(t, path, DataTypeUserData)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)

	for _, addr := range []uint64{0, 1} {
		_, err := r.ReadSector(addr)
		assert.ErrorIs(t, err, ErrSectorNotDumped, "sector %d", addr)
	}
	for _, addr := range []uint64{2, 3} {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, sectorPattern(addr, 512), got)
	}
	require.NoError(t, r.Close())

	// The image still accepts an append pass that re-dumps the lost range.
	w2, err := Append(path, MediaGenericHDD, NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, w2.WriteSector(sectorPattern(0, 512), 0))
	require.NoError(t, w2.WriteSector(sectorPattern(1, 512), 1))
	_, err = w2.Close()
	require.NoError(t, err)

	r2, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r2.Close()
	for addr := uint64(0); addr < 4; addr++ {
		got, err := r2.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, sectorPattern(addr, 512), got)
	}
}

// corruptDataBlockPayload locates the on-disk data block for dataType via
// the index, then flips a byte just past its header so the payload no
// longer matches the header's stored checksum.
func corruptDataBlockPayload(t *testing.T, path string, dataType DataType) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	hb := make([]byte, headerSize)
	_, err = f.ReadAt(hb, 0)
	require.NoError(t, err)
	header, err := decodeHeader(hb)
	require.NoError(t, err)

	ihBuf := make([]byte, indexHeaderSize)
	_, err = f.ReadAt(ihBuf, header.IndexOffset)
	require.NoError(t, err)
	ih, err := decodeIndexHeader(ihBuf)
	require.NoError(t, err)

	entriesBuf := make([]byte, int64(ih.Entries)*indexEntrySize)
	_, err = f.ReadAt(entriesBuf, header.IndexOffset+indexHeaderSize)
	require.NoError(t, err)

	var target *IndexEntry
	for i := 0; i < int(ih.Entries); i++ {
		off := i * indexEntrySize
		e, err := decodeIndexEntry(entriesBuf[off : off+indexEntrySize])
		require.NoError(t, err)
		if e.BlockType == BlockTypeDataBlock && e.DataType == dataType {
			target = &e
			break
		}
	}
	require.NotNil(t, target, "no data block found for data type %d", dataType)

	corrupt := make([]byte, 1)
	_, err = f.ReadAt(corrupt, target.Offset+dataBlockHeaderSize)
	require.NoError(t, err)
	corrupt[0] ^= 0xFF
	_, err = f.WriteAt(corrupt, target.Offset+dataBlockHeaderSize)
	require.NoError(t, err)
}
