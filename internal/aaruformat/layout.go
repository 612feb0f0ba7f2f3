package aaruformat

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Magic strings. Exactly 8 bytes, NUL-padded.
const (
	magicCurrent = "AARUFMT\x00"
	magicLegacy  = "DICMFMT\x00"
)

// filetimeTicksPerSecond and filetimeUnixEpochDelta convert between Unix time and the "Windows filetime"
// (100ns ticks since 1601-01-01 UTC) the header's timestamps use.
const filetimeTicksPerSecond = 10_000_000
const filetimeUnixEpochDelta = 116_444_736_000_000_000 // ticks between 1601-01-01 and 1970-01-01

func unixToFiletime(unixSeconds, unixNanos int64) int64 {
	return unixSeconds*filetimeTicksPerSecond + unixNanos/100 + filetimeUnixEpochDelta
}

func filetimeToUnixNano(ft int64) int64 {
	return (ft - filetimeUnixEpochDelta) * 100
}

// headerSize is the fixed on-disk size of Header.
const headerSize = 8 + 1 + 1 + 4 + 4 + 4 + 8 + 8 + 8

// Header is the fixed, rewritten-at-close record at offset 0.
type Header struct {
	Identifier            [8]byte
	ImageMajorVersion      byte
	ImageMinorVersion      byte
	ApplicationID          uint32
	ApplicationMajorMinor  uint32 // packed as (major<<16)|minor, writer-defined layout
	MediaType              MediaType
	CreationTime           int64 // Windows filetime
	LastWrittenTime        int64 // Windows filetime
	IndexOffset            int64
}

func (h *Header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], h.Identifier[:])
	buf[8] = h.ImageMajorVersion
	buf[9] = h.ImageMinorVersion
	binary.LittleEndian.PutUint32(buf[10:14], h.ApplicationID)
	binary.LittleEndian.PutUint32(buf[14:18], h.ApplicationMajorMinor)
	binary.LittleEndian.PutUint32(buf[18:22], uint32(h.MediaType))
	binary.LittleEndian.PutUint64(buf[22:30], uint64(h.CreationTime))
	binary.LittleEndian.PutUint64(buf[30:38], uint64(h.LastWrittenTime))
	binary.LittleEndian.PutUint64(buf[38:46], uint64(h.IndexOffset))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < headerSize {
		return h, errors.Errorf("aaruformat: header truncated: have %d bytes, need %d", len(buf), headerSize)
	}
	copy(h.Identifier[:], buf[0:8])
	h.ImageMajorVersion = buf[8]
	h.ImageMinorVersion = buf[9]
	h.ApplicationID = binary.LittleEndian.Uint32(buf[10:14])
	h.ApplicationMajorMinor = binary.LittleEndian.Uint32(buf[14:18])
	h.MediaType = MediaType(binary.LittleEndian.Uint32(buf[18:22]))
	h.CreationTime = int64(binary.LittleEndian.Uint64(buf[22:30]))
	h.LastWrittenTime = int64(binary.LittleEndian.Uint64(buf[30:38]))
	h.IndexOffset = int64(binary.LittleEndian.Uint64(buf[38:46]))
	return h, nil
}

// isCurrentMagic / isLegacyMagic check the header identifier against the two
// accepted magics. New images never emit the legacy magic.
func (h Header) isCurrentMagic() bool { return string(h.Identifier[:]) == magicCurrent }
func (h Header) isLegacyMagic() bool  { return string(h.Identifier[:]) == magicLegacy }
func (h Header) isValidMagic() bool   { return h.isCurrentMagic() || h.isLegacyMagic() }

// indexHeaderSize is the fixed size of IndexHeader.
const indexHeaderSize = 4 + 4 + 8

// IndexHeader precedes the index entries at Header.IndexOffset.
type IndexHeader struct {
	Identifier BlockType // always BlockTypeIndex
	Entries    uint32
	Crc64      uint64
}

func (ih *IndexHeader) encode() []byte {
	buf := make([]byte, indexHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ih.Identifier))
	binary.LittleEndian.PutUint32(buf[4:8], ih.Entries)
	binary.LittleEndian.PutUint64(buf[8:16], ih.Crc64)
	return buf
}

func decodeIndexHeader(buf []byte) (IndexHeader, error) {
	var ih IndexHeader
	if len(buf) < indexHeaderSize {
		return ih, errors.New("aaruformat: index header truncated")
	}
	ih.Identifier = BlockType(binary.LittleEndian.Uint32(buf[0:4]))
	ih.Entries = binary.LittleEndian.Uint32(buf[4:8])
	ih.Crc64 = binary.LittleEndian.Uint64(buf[8:16])
	return ih, nil
}

// indexEntrySize is the fixed size of one IndexEntry record.
const indexEntrySize = 4 + 4 + 8

// IndexEntry is one record of the trailing index.
type IndexEntry struct {
	BlockType BlockType
	DataType  DataType
	Offset    int64
}

func (e *IndexEntry) encode() []byte {
	buf := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.BlockType))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.DataType))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Offset))
	return buf
}

func decodeIndexEntry(buf []byte) (IndexEntry, error) {
	var e IndexEntry
	if len(buf) < indexEntrySize {
		return e, errors.New("aaruformat: index entry truncated")
	}
	e.BlockType = BlockType(binary.LittleEndian.Uint32(buf[0:4]))
	e.DataType = DataType(binary.LittleEndian.Uint32(buf[4:8]))
	e.Offset = int64(binary.LittleEndian.Uint64(buf[8:16]))
	return e, nil
}

// dataBlockHeaderSize is the fixed size of DataBlockHeader.
const dataBlockHeaderSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8

// DataBlockHeader precedes the (optionally compressed) payload of one packed
// block.
type DataBlockHeader struct {
	Identifier  BlockType // always BlockTypeDataBlock
	DataType    DataType
	Compression CompressionKind
	SectorSize  uint32
	Length      uint64 // uncompressed length
	CmpLength   uint64 // compressed length, including any codec property prefix
	Crc64       uint64 // over uncompressed payload
	CmpCrc64    uint64 // over properties||compressed (LZMA) or compressed (FLAC/None)
}

func (b *DataBlockHeader) encode() []byte {
	buf := make([]byte, dataBlockHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(b.Identifier))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b.DataType))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(b.Compression))
	binary.LittleEndian.PutUint32(buf[12:16], b.SectorSize)
	binary.LittleEndian.PutUint64(buf[16:24], b.Length)
	binary.LittleEndian.PutUint64(buf[24:32], b.CmpLength)
	binary.LittleEndian.PutUint64(buf[32:40], b.Crc64)
	binary.LittleEndian.PutUint64(buf[40:48], b.CmpCrc64)
	return buf
}

func decodeDataBlockHeader(buf []byte) (DataBlockHeader, error) {
	var b DataBlockHeader
	if len(buf) < dataBlockHeaderSize {
		return b, errors.New("aaruformat: data block header truncated")
	}
	b.Identifier = BlockType(binary.LittleEndian.Uint32(buf[0:4]))
	b.DataType = DataType(binary.LittleEndian.Uint32(buf[4:8]))
	b.Compression = CompressionKind(binary.LittleEndian.Uint32(buf[8:12]))
	b.SectorSize = binary.LittleEndian.Uint32(buf[12:16])
	b.Length = binary.LittleEndian.Uint64(buf[16:24])
	b.CmpLength = binary.LittleEndian.Uint64(buf[24:32])
	b.Crc64 = binary.LittleEndian.Uint64(buf[32:40])
	b.CmpCrc64 = binary.LittleEndian.Uint64(buf[40:48])
	if b.Identifier != BlockTypeDataBlock {
		return b, errors.Wrapf(ErrCorruptBlock, "data block identifier mismatch: got %d", b.Identifier)
	}
	return b, nil
}

// ddtHeaderSize is the fixed size of DDTHeader.
const ddtHeaderSize = 4 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8

// DDTHeader precedes a packed Deduplication Table for one DataType.
type DDTHeader struct {
	Identifier  BlockType // always BlockTypeDeDuplicationTable
	Type        DataType
	Compression CompressionKind
	Shift       uint32
	Entries     uint32
	Length      uint64
	CmpLength   uint64
	Crc64       uint64
	CmpCrc64    uint64
}

func (d *DDTHeader) encode() []byte {
	buf := make([]byte, ddtHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Identifier))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Type))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Compression))
	binary.LittleEndian.PutUint32(buf[12:16], d.Shift)
	binary.LittleEndian.PutUint32(buf[16:20], d.Entries)
	binary.LittleEndian.PutUint64(buf[20:28], d.Length)
	binary.LittleEndian.PutUint64(buf[28:36], d.CmpLength)
	binary.LittleEndian.PutUint64(buf[36:44], d.Crc64)
	binary.LittleEndian.PutUint64(buf[44:52], d.CmpCrc64)
	return buf
}

func decodeDDTHeader(buf []byte) (DDTHeader, error) {
	var d DDTHeader
	if len(buf) < ddtHeaderSize {
		return d, errors.New("aaruformat: ddt header truncated")
	}
	d.Identifier = BlockType(binary.LittleEndian.Uint32(buf[0:4]))
	d.Type = DataType(binary.LittleEndian.Uint32(buf[4:8]))
	d.Compression = CompressionKind(binary.LittleEndian.Uint32(buf[8:12]))
	d.Shift = binary.LittleEndian.Uint32(buf[12:16])
	d.Entries = binary.LittleEndian.Uint32(buf[16:20])
	d.Length = binary.LittleEndian.Uint64(buf[20:28])
	d.CmpLength = binary.LittleEndian.Uint64(buf[28:36])
	d.Crc64 = binary.LittleEndian.Uint64(buf[36:44])
	d.CmpCrc64 = binary.LittleEndian.Uint64(buf[44:52])
	if d.Identifier != BlockTypeDeDuplicationTable {
		return d, errors.Wrapf(ErrCorruptBlock, "ddt header identifier mismatch: got %d", d.Identifier)
	}
	return d, nil
}

// lzmaPropertiesLength is the fixed length of the opaque LZMA property prefix
// written before every LZMA-compressed payload.
const lzmaPropertiesLength = 5

// fixedBlockHeaderSize is the fixed size of fixedBlockHeader.
const fixedBlockHeaderSize = 4 + 4 + 8

// fixedBlockHeader precedes every uncompressed fixed-layout block (geometry,
// dump hardware, CICM, checksums, tape partitions/files, tracks, metadata):
// the block kind repeated from the index entry, the payload length, and a
// CRC-64 over the payload.
type fixedBlockHeader struct {
	Identifier BlockType
	Length     uint32
	Crc64      uint64
}

func (h *fixedBlockHeader) encode() []byte {
	buf := make([]byte, fixedBlockHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Identifier))
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	binary.LittleEndian.PutUint64(buf[8:16], h.Crc64)
	return buf
}

func decodeFixedBlockHeader(buf []byte) (fixedBlockHeader, error) {
	var h fixedBlockHeader
	if len(buf) < fixedBlockHeaderSize {
		return h, errors.New("aaruformat: fixed block header truncated")
	}
	h.Identifier = BlockType(binary.LittleEndian.Uint32(buf[0:4]))
	h.Length = binary.LittleEndian.Uint32(buf[4:8])
	h.Crc64 = binary.LittleEndian.Uint64(buf[8:16])
	return h, nil
}

// leReader is a minimal offset-tracking little-endian byte reader with
// bounds checks, used for ad hoc parsing of variable-length records such as
// side-channel tables, rather than the fixed-layout structs above.
type leReader struct {
	b []byte
	o int
}

func newLeReader(b []byte) *leReader { return &leReader{b: b} }

func (r *leReader) remaining() int { return len(r.b) - r.o }

func (r *leReader) readU8() (byte, error) {
	if r.remaining() < 1 {
		return 0, errors.New("aaruformat: need 1 byte")
	}
	v := r.b[r.o]
	r.o++
	return v, nil
}

func (r *leReader) readU16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errors.New("aaruformat: need 2 bytes")
	}
	v := binary.LittleEndian.Uint16(r.b[r.o : r.o+2])
	r.o += 2
	return v, nil
}

func (r *leReader) readU32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errors.New("aaruformat: need 4 bytes")
	}
	v := binary.LittleEndian.Uint32(r.b[r.o : r.o+4])
	r.o += 4
	return v, nil
}

func (r *leReader) readU64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errors.New("aaruformat: need 8 bytes")
	}
	v := binary.LittleEndian.Uint64(r.b[r.o : r.o+8])
	r.o += 8
	return v, nil
}

func (r *leReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errors.Errorf("aaruformat: need %d bytes, have %d", n, r.remaining())
	}
	v := r.b[r.o : r.o+n]
	r.o += n
	return v, nil
}

// readNulString reads a fixed-width field, trims a trailing NUL and anything
// after it (dump-hardware string convention: len+1 bytes with an
// explicit trailing NUL).
func (r *leReader) readNulString(width int) (string, error) {
	b, err := r.readBytes(width)
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

type leWriter struct {
	b []byte
}

func newLeWriter(capacity int) *leWriter {
	if capacity < 0 {
		capacity = 0
	}
	return &leWriter{b: make([]byte, 0, capacity)}
}

func (w *leWriter) bytes() []byte { return w.b }

func (w *leWriter) writeU8(v byte) { w.b = append(w.b, v) }

func (w *leWriter) writeU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *leWriter) writeU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *leWriter) writeU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *leWriter) writeBytes(b []byte) { w.b = append(w.b, b...) }

// writeNulString writes s truncated/padded to width-1 bytes followed by a NUL
// (dump-hardware string convention).
func (w *leWriter) writeNulString(s string, width int) {
	buf := make([]byte, width)
	n := width - 1
	if len(s) < n {
		n = len(s)
	}
	copy(buf, s[:n])
	buf[width-1] = 0
	w.b = append(w.b, buf...)
}
