package aaruformat

import (
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Side-channel stores: media tags, subchannel, dump hardware,
// CICM metadata, tape partitions/files, tracks and free-form metadata. Each
// is a small in-memory struct the writer serializes at Close (media tags
// and subchannel into DataBlocks, the others into blocks of their own
// BlockType) and the reader deserializes on open. Grounded on the dump-hardware-shaped nested config structs
// in internal/config/config.go (BootstrapConfig/DiscoveryConfig: small typed
// structs with string/slice fields, Default-free here since every side
// channel is optional and its zero value is "absent").

// tagDataType maps a whole-image TagKind to the DataType its DataBlock is
// tagged with ("DataType encodes the kind").
func tagDataType(t TagKind) DataType {
	switch t {
	case TagDVDPFI, TagDVDDMI, TagDVDCMI:
		return DataTypeDVDMediaTag
	case TagGenericIdentify, TagFloppyLeadOut:
		return DataTypeGenericMediaTag
	default:
		return DataTypeCompactDiscMediaTag
	}
}

// Track describes one track of an optical or sectored image. ISRC and Flags
// are filled from WriteSectorTag calls at Close; Pregap is declared by the
// caller through SetTracks.
type Track struct {
	Sequence    int
	Type        TrackType
	StartSector uint64
	EndSector   uint64
	Pregap      uint64
	Session     int
	ISRC        string
	Flags       byte
}

// trackIsrcWidth holds a 12-character ISRC plus trailing NUL, NUL-padded.
const trackIsrcWidth = 16

const trackRecordSize = 4 + 4 + 8 + 8 + 8 + 4 + 1 + trackIsrcWidth

// encodeTracks packs the Tracks block (TracksBlock) as fixed-size
// little-endian records.
func encodeTracks(tracks []Track) []byte {
	w := newLeWriter(len(tracks) * trackRecordSize)
	for _, t := range tracks {
		w.writeU32(uint32(t.Sequence))
		w.writeU32(uint32(t.Type))
		w.writeU64(t.StartSector)
		w.writeU64(t.EndSector)
		w.writeU64(t.Pregap)
		w.writeU32(uint32(t.Session))
		w.writeU8(t.Flags)
		w.writeNulString(t.ISRC, trackIsrcWidth)
	}
	return w.bytes()
}

func decodeTracks(buf []byte) ([]Track, error) {
	if len(buf)%trackRecordSize != 0 {
		return nil, errors.New("aaruformat: tracks block truncated")
	}
	r := newLeReader(buf)
	n := len(buf) / trackRecordSize
	out := make([]Track, n)
	for i := 0; i < n; i++ {
		seq, _ := r.readU32()
		typ, _ := r.readU32()
		start, _ := r.readU64()
		end, _ := r.readU64()
		pregap, _ := r.readU64()
		session, _ := r.readU32()
		flags, _ := r.readU8()
		isrc, err := r.readNulString(trackIsrcWidth)
		if err != nil {
			return nil, err
		}
		out[i] = Track{
			Sequence:    int(seq),
			Type:        TrackType(typ),
			StartSector: start,
			EndSector:   end,
			Pregap:      pregap,
			Session:     int(session),
			ISRC:        isrc,
			Flags:       flags,
		}
	}
	return out, nil
}

// Geometry is the CHS-style physical geometry block (GeometryBlock).
type Geometry struct {
	Cylinders       uint32
	Heads           uint32
	SectorsPerTrack uint32
}

func encodeGeometry(g Geometry) []byte {
	w := newLeWriter(12)
	w.writeU32(g.Cylinders)
	w.writeU32(g.Heads)
	w.writeU32(g.SectorsPerTrack)
	return w.bytes()
}

func decodeGeometry(buf []byte) (Geometry, error) {
	r := newLeReader(buf)
	cyl, err := r.readU32()
	if err != nil {
		return Geometry{}, errors.Wrap(err, "aaruformat: decode geometry")
	}
	heads, _ := r.readU32()
	spt, err := r.readU32()
	if err != nil {
		return Geometry{}, errors.Wrap(err, "aaruformat: decode geometry")
	}
	return Geometry{Cylinders: cyl, Heads: heads, SectorsPerTrack: spt}, nil
}

// DumpHardwareExtent is one contiguous extent a piece of dumping hardware
// covered ("extents[]").
type DumpHardwareExtent struct {
	Start uint64
	End   uint64
}

// DumpHardwareEntry is one dumping-hardware provenance record (the
// drive's manufacturer/model/.../software/extents shape).
type DumpHardwareEntry struct {
	Manufacturer string
	Model        string
	Revision     string
	Firmware     string
	Serial       string

	SoftwareName            string
	SoftwareVersion         string
	SoftwareOperatingSystem string

	Extents []DumpHardwareExtent
}

// dumpHardwareStringWidth is the fixed len+1 field width used for every
// string in a DumpHardwareEntry record. 64 accommodates any realistic
// manufacturer/model/serial string while keeping the record fixed-size.
const dumpHardwareStringWidth = 64

func encodeDumpHardware(entries []DumpHardwareEntry) []byte {
	w := newLeWriter(0)
	w.writeU32(uint32(len(entries)))
	for _, e := range entries {
		w.writeNulString(e.Manufacturer, dumpHardwareStringWidth)
		w.writeNulString(e.Model, dumpHardwareStringWidth)
		w.writeNulString(e.Revision, dumpHardwareStringWidth)
		w.writeNulString(e.Firmware, dumpHardwareStringWidth)
		w.writeNulString(e.Serial, dumpHardwareStringWidth)
		w.writeNulString(e.SoftwareName, dumpHardwareStringWidth)
		w.writeNulString(e.SoftwareVersion, dumpHardwareStringWidth)
		w.writeNulString(e.SoftwareOperatingSystem, dumpHardwareStringWidth)
		w.writeU32(uint32(len(e.Extents)))
		for _, ext := range e.Extents {
			w.writeU64(ext.Start)
			w.writeU64(ext.End)
		}
	}
	return w.bytes()
}

func decodeDumpHardware(buf []byte) ([]DumpHardwareEntry, error) {
	r := newLeReader(buf)
	n, err := r.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat: decode dump hardware count")
	}
	entries := make([]DumpHardwareEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e DumpHardwareEntry
		for _, dst := range []*string{&e.Manufacturer, &e.Model, &e.Revision, &e.Firmware, &e.Serial,
			&e.SoftwareName, &e.SoftwareVersion, &e.SoftwareOperatingSystem} {
			s, err := r.readNulString(dumpHardwareStringWidth)
			if err != nil {
				return nil, errors.Wrap(err, "aaruformat: decode dump hardware string")
			}
			*dst = s
		}
		extN, err := r.readU32()
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat: decode dump hardware extent count")
		}
		if extN > 0 {
			e.Extents = make([]DumpHardwareExtent, extN)
		}
		for j := range e.Extents {
			start, err := r.readU64()
			if err != nil {
				return nil, err
			}
			end, err := r.readU64()
			if err != nil {
				return nil, err
			}
			e.Extents[j] = DumpHardwareExtent{Start: start, End: end}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// TapePartition is one fixed-size tape-partition record.
type TapePartition struct {
	Number     uint32
	FirstBlock uint64
	LastBlock  uint64
}

// TapeFile is one fixed-size tape-file record.
type TapeFile struct {
	Partition  uint32
	FirstBlock uint64
	LastBlock  uint64
}

const tapePartitionRecordSize = 4 + 8 + 8
const tapeFileRecordSize = 4 + 8 + 8

func encodeTapePartitions(parts []TapePartition) []byte {
	w := newLeWriter(len(parts) * tapePartitionRecordSize)
	for _, p := range parts {
		w.writeU32(p.Number)
		w.writeU64(p.FirstBlock)
		w.writeU64(p.LastBlock)
	}
	return w.bytes()
}

func decodeTapePartitions(buf []byte) ([]TapePartition, error) {
	if len(buf)%tapePartitionRecordSize != 0 {
		return nil, errors.New("aaruformat: tape partition block truncated")
	}
	r := newLeReader(buf)
	n := len(buf) / tapePartitionRecordSize
	out := make([]TapePartition, n)
	for i := 0; i < n; i++ {
		num, _ := r.readU32()
		first, _ := r.readU64()
		last, err := r.readU64()
		if err != nil {
			return nil, err
		}
		out[i] = TapePartition{Number: num, FirstBlock: first, LastBlock: last}
	}
	return out, nil
}

func encodeTapeFiles(files []TapeFile) []byte {
	w := newLeWriter(len(files) * tapeFileRecordSize)
	for _, f := range files {
		w.writeU32(f.Partition)
		w.writeU64(f.FirstBlock)
		w.writeU64(f.LastBlock)
	}
	return w.bytes()
}

func decodeTapeFiles(buf []byte) ([]TapeFile, error) {
	if len(buf)%tapeFileRecordSize != 0 {
		return nil, errors.New("aaruformat: tape file block truncated")
	}
	r := newLeReader(buf)
	n := len(buf) / tapeFileRecordSize
	out := make([]TapeFile, n)
	for i := 0; i < n; i++ {
		part, _ := r.readU32()
		first, _ := r.readU64()
		last, err := r.readU64()
		if err != nil {
			return nil, err
		}
		out[i] = TapeFile{Partition: part, FirstBlock: first, LastBlock: last}
	}
	return out, nil
}

// decodeChecksumBlock parses the fixed-layout ChecksumBlock payload written
// by writeChecksumBlock back into a name -> digest-bytes map.
func decodeChecksumBlock(buf []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	r := newLeReader(buf)
	for r.remaining() > 0 {
		name, err := r.readNulString(checksumNameWidth)
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat: decode checksum name")
		}
		n, err := r.readU32()
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat: decode checksum length")
		}
		sum, err := r.readBytes(int(n))
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat: decode checksum bytes")
		}
		out[name] = append([]byte(nil), sum...)
	}
	return out, nil
}

// Metadata is the free-form provenance string pool ("UTF-16LE
// free-form strings ... packed by length+offset").
type Metadata struct {
	Creator    string
	Comments   string
	Label      string
	DriveID    string
}

// metadataFieldOrder fixes the on-disk field order for the offset/length
// header that precedes the UTF-16LE string pool.
var metadataFieldOrder = []func(*Metadata) *string{
	func(m *Metadata) *string { return &m.Creator },
	func(m *Metadata) *string { return &m.Comments },
	func(m *Metadata) *string { return &m.Label },
	func(m *Metadata) *string { return &m.DriveID },
}

func encodeMetadata(m Metadata) []byte {
	strs := make([]string, len(metadataFieldOrder))
	for i, get := range metadataFieldOrder {
		strs[i] = *get(&m)
	}
	pool := newLeWriter(0)
	header := newLeWriter(0)
	offset := uint32(0)
	for _, s := range strs {
		u16 := utf16.Encode([]rune(s))
		length := uint32(len(u16) * 2)
		header.writeU32(offset)
		header.writeU32(length)
		for _, unit := range u16 {
			var tmp [2]byte
			tmp[0] = byte(unit)
			tmp[1] = byte(unit >> 8)
			pool.writeBytes(tmp[:])
		}
		offset += length
	}
	out := newLeWriter(0)
	out.writeBytes(header.bytes())
	out.writeBytes(pool.bytes())
	return out.bytes()
}

func decodeMetadata(buf []byte) (Metadata, error) {
	n := len(metadataFieldOrder)
	headerLen := n * 8
	if len(buf) < headerLen {
		return Metadata{}, errors.New("aaruformat: metadata block truncated")
	}
	r := newLeReader(buf[:headerLen])
	type span struct{ offset, length uint32 }
	spans := make([]span, n)
	for i := 0; i < n; i++ {
		off, _ := r.readU32()
		length, err := r.readU32()
		if err != nil {
			return Metadata{}, err
		}
		spans[i] = span{off, length}
	}
	pool := buf[headerLen:]
	var m Metadata
	for i, sp := range spans {
		if int(sp.offset+sp.length) > len(pool) {
			return Metadata{}, errors.New("aaruformat: metadata string span out of range")
		}
		raw := pool[sp.offset : sp.offset+sp.length]
		units := make([]uint16, len(raw)/2)
		for j := range units {
			units[j] = uint16(raw[j*2]) | uint16(raw[j*2+1])<<8
		}
		*metadataFieldOrder[i](&m) = string(utf16.Decode(units))
	}
	return m, nil
}
