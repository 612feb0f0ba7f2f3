package aaruformat

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sectorPattern(address uint64, size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(address) ^ byte(i)
	}
	return p
}

func TestCreateWriteCloseOpenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.aaruf")

	const sectors = 32
	const sectorSize = 512

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = sectors
	opts.SectorSize = sectorSize
	opts.MD5 = true
	opts.SHA256 = true

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)

	for addr := uint64(0); addr < sectors; addr++ {
		require.NoError(t, w.WriteSector(sectorPattern(addr, sectorSize), addr))
	}
	require.NoError(t, w.SetMetadata(Metadata{Creator: "test-suite", Label: "VOL1"}))

	stats, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(sectors), stats.TotalSectorsWritten)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	info := r.Info()
	assert.Equal(t, uint64(sectors), info.Sectors)
	assert.Equal(t, uint32(sectorSize), info.SectorSize)
	assert.False(t, info.Legacy)

	for addr := uint64(0); addr < sectors; addr++ {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, sectorPattern(addr, sectorSize), got)
	}

	assert.Equal(t, Metadata{Creator: "test-suite", Label: "VOL1"}, r.Metadata())

	md5sum, ok := r.Checksums()["md5"]
	require.True(t, ok)
	assert.Len(t, md5sum, 16)
	sha256sum, ok := r.Checksums()["sha256"]
	require.True(t, ok)
	assert.Len(t, sha256sum, 32)
}

func TestDeduplicatedSectorsReadBackIdentically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 4
	opts.SectorSize = 512
	opts.Deduplicate = true

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)

	repeated := sectorPattern(1, 512)
	require.NoError(t, w.WriteSector(repeated, 0))
	require.NoError(t, w.WriteSector(repeated, 1))
	require.NoError(t, w.WriteSector(sectorPattern(2, 512), 2))
	require.NoError(t, w.WriteSector(repeated, 3))

	stats, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.DeduplicatedSectors)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	for _, addr := range []uint64{0, 1, 3} {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, repeated, got)
	}
}

func TestAppendFillsRemainingSectorsAndPreservesPriorOnes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.aaruf")

	const total = 24
	const firstPass = 16
	const sectorSize = 256

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = total
	opts.SectorSize = sectorSize

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	for addr := uint64(0); addr < firstPass; addr++ {
		require.NoError(t, w.WriteSector(sectorPattern(addr, sectorSize), addr))
	}
	_, err = w.Close()
	require.NoError(t, err)

	w2, err := Append(path, MediaGenericHDD, NewNoopLogger())
	require.NoError(t, err)
	for addr := uint64(firstPass); addr < total; addr++ {
		require.NoError(t, w2.WriteSector(sectorPattern(addr, sectorSize), addr))
	}
	// A second write at an already-dumped address wins over the first.
	rewritten := sectorPattern(200, sectorSize)
	require.NoError(t, w2.WriteSector(rewritten, 0))
	_, err = w2.Close()
	require.NoError(t, err)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(total), r.Info().Sectors)
	got, err := r.ReadSector(0)
	require.NoError(t, err)
	assert.Equal(t, rewritten, got)
	for addr := uint64(1); addr < total; addr++ {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, sectorPattern(addr, sectorSize), got)
	}
}

func TestAppendRejectsMismatchedMediaType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 1
	opts.SectorSize = 512

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteSector(sectorPattern(0, 512), 0))
	_, err = w.Close()
	require.NoError(t, err)

	_, err = Append(path, MediaLTO, NewNoopLogger())
	assert.ErrorIs(t, err, ErrIncompatibleAppend)
}

func TestAppendWithoutWritesKeepsImageReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 4
	opts.SectorSize = 512

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	for addr := uint64(0); addr < 4; addr++ {
		require.NoError(t, w.WriteSector(sectorPattern(addr, 512), addr))
	}
	require.NoError(t, w.SetMetadata(Metadata{Creator: "first pass"}))
	_, err = w.Close()
	require.NoError(t, err)

	w2, err := Append(path, MediaGenericHDD, NewNoopLogger())
	require.NoError(t, err)
	_, err = w2.Close()
	require.NoError(t, err)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	for addr := uint64(0); addr < 4; addr++ {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, sectorPattern(addr, 512), got)
	}
	assert.Equal(t, "first pass", r.Metadata().Creator)
	assert.Empty(t, r.Checksums())
}

func TestAppendRejectsImageWithoutIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncated.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 1
	opts.SectorSize = 512

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteSector(sectorPattern(0, 512), 0))
	// Deliberately never call Close: the backing file has a header but no
	// index, simulating a process that crashed mid-write.
	require.NoError(t, w.f.Close())

	_, err = Append(path, MediaGenericHDD, NewNoopLogger())
	assert.ErrorIs(t, err, ErrIncompleteImage)
}

// A tiny uncompressed, deduplicating image: one all-zero sector plus seven
// identical sectors collapse to two packed sector slots in a single user
// data block, and the index carries exactly one UserData DataBlock and one
// UserData deduplication table.
func TestTinyImageDeduplicatesToSingleBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 8
	opts.SectorSize = 512
	opts.SectorsPerBlock = 4
	opts.Compress = false

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)

	require.NoError(t, w.WriteSector(make([]byte, 512), 0))
	filled := make([]byte, 512)
	for i := range filled {
		filled[i] = 0xAA
	}
	for addr := uint64(1); addr < 8; addr++ {
		require.NoError(t, w.WriteSector(filled, addr))
	}

	stats, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stats.DeduplicatedSectors)
	assert.Equal(t, 1, stats.UserDataBlocksWritten)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	var userBlocks, userDDTs int
	for _, e := range r.indexEntries {
		switch {
		case e.BlockType == BlockTypeDataBlock && e.DataType == DataTypeUserData:
			userBlocks++
		case e.BlockType == BlockTypeDeDuplicationTable && e.DataType == DataTypeUserData:
			userDDTs++
		}
	}
	assert.Equal(t, 1, userBlocks)
	assert.Equal(t, 1, userDDTs)

	got, err := r.ReadSector(0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got)
	for addr := uint64(1); addr < 8; addr++ {
		got, err := r.ReadSector(addr)
		require.NoError(t, err)
		assert.Equal(t, filled, got)
	}
}

// Once a rewind happens (a second write to address 0), running digests are
// no longer a faithful single-pass hash of the media and the checksum block
// is omitted entirely.
func TestRewindSuppressesChecksumBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewind.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 4
	opts.SectorSize = 512
	opts.MD5 = true

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	for addr := uint64(0); addr < 4; addr++ {
		require.NoError(t, w.WriteSector(sectorPattern(addr, 512), addr))
	}
	require.NoError(t, w.WriteSector(sectorPattern(9, 512), 0))
	_, err = w.Close()
	require.NoError(t, err)

	r, err := Open(path, NewNoopLogger())
	require.NoError(t, err)
	defer r.Close()

	assert.Empty(t, r.Checksums())
	got, err := r.ReadSector(0)
	require.NoError(t, err)
	assert.Equal(t, sectorPattern(9, 512), got)
}

func TestWriteSectorRejectsOutOfRangeAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oob.aaruf")

	opts := DefaultCreateOptions()
	opts.MediaType = MediaGenericHDD
	opts.Sectors = 2
	opts.SectorSize = 512

	w, err := Create(path, opts, NewNoopLogger())
	require.NoError(t, err)
	err = w.WriteSector(sectorPattern(5, 512), 5)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestCloseStatsDedupRatio(t *testing.T) {
	stats := CloseStats{TotalSectorsWritten: 4, DeduplicatedSectors: 1}
	assert.InDelta(t, 0.25, stats.DedupRatio(), 0.0001)

	empty := CloseStats{}
	assert.Zero(t, empty.DedupRatio())
}
