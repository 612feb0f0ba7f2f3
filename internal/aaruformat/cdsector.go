package aaruformat

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// CD long-sector splitter. Every 2352-byte raw sector on an
// optical disc is examined per TrackType and split into a 2048-byte user-data
// payload (routed through the packer like any other sector) plus whatever
// prefix/suffix bytes cannot be reconstructed from the address alone, which
// are appended to sequential auxiliary streams and referenced from a 32-bit
// corrected-prefix/suffix DDT entry. Grounded on the ECC-bitmap-plus-
// base-sector splitter shape used by CHD-style CD codecs, and on Red Book
// CD-DA timing constants; the EDC/ECC math itself lives in cdecc.go.

const (
	cdSectorLength = 2352
	cdSyncLength   = 12
)

// appleLongSectorUserDataLength is the fixed 512-byte user-data portion of
// an Apple Profile/Sony or Priam Data Tower long sector; the remaining bytes
// are a per-sector tag whose width is given by DataType.sectorSliceSize().
const appleLongSectorUserDataLength = 512

var cdSyncPattern = [cdSyncLength]byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

func bcd(v int) byte { return byte(((v / 10) << 4) | (v % 10)) }

// auxStream is a sequential append-only store of variable-size records
// addressed by a 1-based index, used for non-reconstructable CD prefixes,
// suffixes and subheaders. Overwriting an existing index replaces the
// record in place rather than appending a duplicate: if the DDT entry
// already held an index, that slot is overwritten instead of growing the
// stream.
type auxStream struct {
	recordSize int
	records    [][]byte
}

func newAuxStream(recordSize int) *auxStream {
	return &auxStream{recordSize: recordSize}
}

// appendOrOverwrite stores rec under the 1-based index. If prevIndex is
// nonzero the existing slot is overwritten instead of growing the stream;
// otherwise rec is appended and its new 1-based index returned.
func (a *auxStream) appendOrOverwrite(prevIndex uint32, rec []byte) uint32 {
	cp := append([]byte(nil), rec...)
	if prevIndex != 0 {
		a.records[prevIndex-1] = cp
		return prevIndex
	}
	a.records = append(a.records, cp)
	return uint32(len(a.records))
}

func (a *auxStream) get(index uint32) []byte {
	if index == 0 || int(index) > len(a.records) {
		return nil
	}
	return a.records[index-1]
}

// pack serializes the stream as a length-prefixed record sequence. A plain
// fixed-width concatenation cannot round-trip the suffix stream, since Mode 1
// (288 bytes), Mode 2 Form 1 (280 bytes) and Mode 2 Form 2 (4 bytes) suffix
// records share one auxiliary stream but differ in size; each record's
// length is therefore stored alongside it.
func (a *auxStream) pack() []byte {
	w := newLeWriter(4 + len(a.records)*4)
	w.writeU32(uint32(len(a.records)))
	for _, r := range a.records {
		w.writeU32(uint32(len(r)))
		w.writeBytes(r)
	}
	return w.bytes()
}

// unpackAuxStream parses the length-prefixed form pack produces.
func unpackAuxStream(recordSize int, buf []byte) (*auxStream, error) {
	r := newLeReader(buf)
	n, err := r.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat: decode auxiliary stream count")
	}
	a := newAuxStream(recordSize)
	a.records = make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		ln, err := r.readU32()
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat: decode auxiliary record length")
		}
		rec, err := r.readBytes(int(ln))
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat: decode auxiliary record")
		}
		a.records = append(a.records, append([]byte(nil), rec...))
	}
	return a, nil
}

// denseStream is a dense byte array packed at offset sectorAddress*recordSize,
// used for per-sector streams whose record is always present and fixed-size
// once a sector has been touched at all: Mode 2 subheaders (8 bytes)
// and CD subchannel data (96 bytes, "a single sectors*96 byte stream").
type denseStream struct {
	recordSize int
	buf        []byte
}

func newDenseStream(sectors, recordSize int) *denseStream {
	return &denseStream{recordSize: recordSize, buf: make([]byte, sectors*recordSize)}
}

func (m *denseStream) set(sectorAddress uint64, record []byte) {
	off := int(sectorAddress) * m.recordSize
	if off+m.recordSize > len(m.buf) {
		grown := make([]byte, off+m.recordSize)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:off+m.recordSize], record)
}

func (m *denseStream) get(sectorAddress uint64) []byte {
	off := int(sectorAddress) * m.recordSize
	if off+m.recordSize > len(m.buf) {
		return nil
	}
	return m.buf[off : off+m.recordSize]
}

// verifyMode1OrMode2Prefix checks the 12-byte sync pattern, the mode byte
// (wantMode) and the BCD(MSF(address+150)) header (prefix correctness).
func verifyMode1OrMode2Prefix(raw []byte, sectorAddress uint64, wantMode byte) bool {
	if !bytes.Equal(raw[0:cdSyncLength], cdSyncPattern[:]) {
		return false
	}
	if raw[15] != wantMode {
		return false
	}
	total := int(sectorAddress) + 150
	min, sec, frame := total/(75*60), (total/75)%60, total%75
	return raw[12] == bcd(min) && raw[13] == bcd(sec) && raw[14] == bcd(frame)
}

// verifyMode1Suffix performs full EDC/ECC verification over a Mode 1 sector
// (EDC over sync+header+data, ECC over header+data+edc+zero).
func verifyMode1Suffix(raw []byte) bool {
	edc := cdEdcCompute(0, raw[0:2064])
	stored := binary.LittleEndian.Uint32(raw[2064:2068])
	if edc != stored {
		return false
	}
	ecc := cdComputeEcc(raw[12:2076])
	return bytes.Equal(ecc, raw[2076:2352])
}

// mode2IsForm2 reports whether the Mode 2 subheader's Form bit (submode byte
// bit 5, mirrored at bytes 18 and 22) indicates Form 2.
func mode2IsForm2(raw []byte) bool {
	return raw[18]&0x20 != 0 || raw[22]&0x20 != 0
}

// verifyMode2Form1Suffix checks EDC over bytes 0x10..0x817 and ECC over a
// synthesized zero-address+subheader+data+edc span (Form 1).
func verifyMode2Form1Suffix(raw []byte) bool {
	edc := cdEdcCompute(0, raw[16:2072])
	stored := binary.LittleEndian.Uint32(raw[2072:2076])
	if edc != stored {
		return false
	}
	ecc := cdComputeEcc(mode2Form1EccSpan(raw))
	return bytes.Equal(ecc, raw[2076:2352])
}

// mode2Form1EccSpan synthesizes the 2064-byte span Form 1 ECC covers: the
// four header bytes replaced with zeros, then subheader, user data and the
// 4-byte EDC (the Mode 1 analog covers header+data+edc+reserved instead).
func mode2Form1EccSpan(raw []byte) []byte {
	span := make([]byte, 0, 2064)
	span = append(span, 0, 0, 0, 0)
	span = append(span, raw[16:2076]...)
	return span
}

// cdMode2Form2EdcStatus reports the Form 2 suffix classification: exact
// CdFixMode2Form2Ok match, CdFixMode2Form2NoCrc if the stored EDC is zero, or
// the raw 4-byte EDC to store in the auxiliary stream otherwise.
func cdMode2Form2EdcStatus(raw []byte) (status uint32, computedEdc []byte) {
	edc := cdEdcCompute(0, raw[16:2348])
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], edc)
	stored := raw[2348:2352]
	if binary.LittleEndian.Uint32(stored) == 0 {
		return CdFixMode2Form2NoCrc, buf[:]
	}
	if bytes.Equal(buf[:], stored) {
		return CdFixMode2Form2Ok, buf[:]
	}
	return 0, buf[:]
}

// cdSplitter owns the prefix/suffix DDTs and auxiliary streams a CD image
// accumulates while writing. One instance is shared across all optical
// tracks of an image; the Mode 2 subheaders are an image-wide dense stream,
// while prefix/suffix DDTs are per-DataType.
type cdSplitter struct {
	prefixDDT *ddt
	suffixDDT *ddt
	prefixAux *auxStream
	suffixAux *auxStream
	subheader *denseStream
}

// rebuildCdSplitter reassembles a cdSplitter from the decoded payloads of its
// four constituent DataBlocks (append step 4 "CD side streams from
// DataBlocks with CD DataTypes"), used by both Open and append.
func rebuildCdSplitter(prefixDDT, suffixDDT *ddt, prefixAuxPayload, suffixAuxPayload, subheaderPayload []byte) (*cdSplitter, error) {
	prefixAux, err := unpackAuxStream(16, prefixAuxPayload)
	if err != nil {
		return nil, err
	}
	suffixAux, err := unpackAuxStream(288, suffixAuxPayload)
	if err != nil {
		return nil, err
	}
	return &cdSplitter{
		prefixDDT: prefixDDT,
		suffixDDT: suffixDDT,
		prefixAux: prefixAux,
		suffixAux: suffixAux,
		subheader: &denseStream{recordSize: 8, buf: subheaderPayload},
	}, nil
}

func newCdSplitter(sectors int, shift uint32) *cdSplitter {
	return &cdSplitter{
		prefixDDT: newDDT(DataTypeCdSectorPrefixCorrected, shift, sectors, false, 0),
		suffixDDT: newDDT(DataTypeCdSectorSuffixCorrected, shift, sectors, false, 0),
		prefixAux: newAuxStream(16),
		suffixAux: newAuxStream(288),
		subheader: newDenseStream(sectors, 8),
	}
}

// storeAux replaces or appends a sector's auxiliary record and points its
// DDT entry at the record's 1-based index, tagged with the index flag bit so
// small indices can never be mistaken for the reserved flag values.
func storeAux(d *ddt, a *auxStream, sectorAddress uint64, rec []byte) error {
	prevIdx := uint32(0)
	if prev, _ := d.get(sectorAddress); uint32(prev)&cdFixIndexFlag != 0 {
		prevIdx = uint32(prev) & CdDfixMask
	}
	idx := a.appendOrOverwrite(prevIdx, rec)
	return d.set(sectorAddress, uint64(cdFixIndexFlag|idx))
}

// splitMode1 implements the CdMode1 write path: on full correctness it
// marks both DDT entries Correct and returns only the 2048-byte user data
// for the packer; otherwise it stores the raw prefix/suffix in the auxiliary
// streams and points the DDT entries at their 1-based indices.
func (c *cdSplitter) splitMode1(sectorAddress uint64, raw []byte) (userData []byte, err error) {
	if len(raw) != cdSectorLength {
		return nil, errors.Wrapf(ErrWrongSize, "cd sector must be %d bytes, got %d", cdSectorLength, len(raw))
	}
	userData = raw[16:2064]

	if isAllZero(raw) {
		if err := c.prefixDDT.set(sectorAddress, uint64(CdFixNotDumped)); err != nil {
			return nil, err
		}
		if err := c.suffixDDT.set(sectorAddress, uint64(CdFixNotDumped)); err != nil {
			return nil, err
		}
		return userData, nil
	}

	prefixOk := verifyMode1OrMode2Prefix(raw, sectorAddress, 0x01)
	suffixOk := verifyMode1Suffix(raw)

	if prefixOk && suffixOk {
		if err := c.prefixDDT.set(sectorAddress, uint64(CdFixCorrect)); err != nil {
			return nil, err
		}
		if err := c.suffixDDT.set(sectorAddress, uint64(CdFixCorrect)); err != nil {
			return nil, err
		}
		return userData, nil
	}

	if !prefixOk {
		if err := storeAux(c.prefixDDT, c.prefixAux, sectorAddress, raw[0:16]); err != nil {
			return nil, err
		}
	} else if err := c.prefixDDT.set(sectorAddress, uint64(CdFixCorrect)); err != nil {
		return nil, err
	}

	if !suffixOk {
		if err := storeAux(c.suffixDDT, c.suffixAux, sectorAddress, raw[2064:2352]); err != nil {
			return nil, err
		}
	} else if err := c.suffixDDT.set(sectorAddress, uint64(CdFixCorrect)); err != nil {
		return nil, err
	}

	return userData, nil
}

// splitMode2 implements the CdMode2 (Formless / Form1 / Form2) write path.
// The 8-byte subheader is always recorded; prefix handling mirrors
// Mode 1; suffix handling branches on the Form bit.
func (c *cdSplitter) splitMode2(sectorAddress uint64, raw []byte) (userData []byte, err error) {
	if len(raw) != cdSectorLength {
		return nil, errors.Wrapf(ErrWrongSize, "cd sector must be %d bytes, got %d", cdSectorLength, len(raw))
	}
	c.subheader.set(sectorAddress, raw[16:24])

	if isAllZero(raw) {
		if err := c.prefixDDT.set(sectorAddress, uint64(CdFixNotDumped)); err != nil {
			return nil, err
		}
		return raw[24:2072], nil
	}

	prefixOk := verifyMode1OrMode2Prefix(raw, sectorAddress, 0x02)
	if prefixOk {
		if err := c.prefixDDT.set(sectorAddress, uint64(CdFixCorrect)); err != nil {
			return nil, err
		}
	} else if err := storeAux(c.prefixDDT, c.prefixAux, sectorAddress, raw[0:16]); err != nil {
		return nil, err
	}

	if mode2IsForm2(raw) {
		status, _ := cdMode2Form2EdcStatus(raw)
		if status == CdFixMode2Form2Ok || status == CdFixMode2Form2NoCrc {
			if err := c.suffixDDT.set(sectorAddress, uint64(status)); err != nil {
				return nil, err
			}
		} else if err := storeAux(c.suffixDDT, c.suffixAux, sectorAddress, raw[2348:2352]); err != nil {
			return nil, err
		}
		return raw[24:2348], nil
	}

	// Form 1.
	if verifyMode2Form1Suffix(raw) {
		if err := c.suffixDDT.set(sectorAddress, uint64(CdFixMode2Form1Ok)); err != nil {
			return nil, err
		}
	} else if err := storeAux(c.suffixDDT, c.suffixAux, sectorAddress, raw[2072:2352]); err != nil {
		return nil, err
	}
	return raw[24:2072], nil
}

// reconstructMode1 rebuilds the original 2352-byte sector from stored user
// data plus either the Correct-reconstructed prefix/suffix or an auxiliary
// record, used by the reader.
func (c *cdSplitter) reconstructMode1(sectorAddress uint64, userData []byte, prefixEntry, suffixEntry uint32) ([]byte, error) {
	raw := make([]byte, cdSectorLength)
	copy(raw[16:2064], userData)

	switch prefixEntry {
	case CdFixNotDumped:
	case CdFixCorrect:
		copy(raw[0:12], cdSyncPattern[:])
		raw[15] = 0x01
		total := int(sectorAddress) + 150
		min, sec, frame := total/(75*60), (total/75)%60, total%75
		raw[12], raw[13], raw[14] = bcd(min), bcd(sec), bcd(frame)
	default:
		rec := c.prefixAux.get(prefixEntry & CdDfixMask)
		if rec == nil {
			return nil, errors.Wrap(ErrCorruptBlock, "cd prefix auxiliary record missing")
		}
		copy(raw[0:16], rec)
	}

	switch suffixEntry {
	case CdFixNotDumped:
	case CdFixCorrect:
		edc := cdEdcCompute(0, raw[0:2064])
		binary.LittleEndian.PutUint32(raw[2064:2068], edc)
		ecc := cdComputeEcc(raw[12:2076])
		copy(raw[2076:2352], ecc)
	default:
		rec := c.suffixAux.get(suffixEntry & CdDfixMask)
		if rec == nil {
			return nil, errors.Wrap(ErrCorruptBlock, "cd suffix auxiliary record missing")
		}
		copy(raw[2064:2352], rec)
	}

	return raw, nil
}

// reconstructMode2 rebuilds a 2352-byte Mode 2 sector from stored user data,
// the per-sector subheader stream and the prefix/suffix DDT entries, mirroring
// reconstructMode1 for the Form1/Form2 branch. Which form the sector was
// split as is recovered from the length of userData (2048 for Form 1, 2324
// for Form 2, as chosen by the subheader's Form bit) rather than stored
// separately.
func (c *cdSplitter) reconstructMode2(sectorAddress uint64, userData []byte, prefixEntry, suffixEntry uint32) ([]byte, error) {
	raw := make([]byte, cdSectorLength)

	if sub := c.subheader.get(sectorAddress); sub != nil {
		copy(raw[16:24], sub)
	}

	switch prefixEntry {
	case CdFixNotDumped:
	case CdFixCorrect:
		copy(raw[0:12], cdSyncPattern[:])
		raw[15] = 0x02
		total := int(sectorAddress) + 150
		min, sec, frame := total/(75*60), (total/75)%60, total%75
		raw[12], raw[13], raw[14] = bcd(min), bcd(sec), bcd(frame)
	default:
		rec := c.prefixAux.get(prefixEntry & CdDfixMask)
		if rec == nil {
			return nil, errors.Wrap(ErrCorruptBlock, "cd prefix auxiliary record missing")
		}
		copy(raw[0:16], rec)
	}

	if len(userData) > 2048 {
		copy(raw[24:2348], userData)
		switch suffixEntry {
		case CdFixNotDumped:
		case CdFixMode2Form2Ok:
			edc := cdEdcCompute(0, raw[16:2348])
			binary.LittleEndian.PutUint32(raw[2348:2352], edc)
		case CdFixMode2Form2NoCrc:
		default:
			rec := c.suffixAux.get(suffixEntry & CdDfixMask)
			if rec == nil {
				return nil, errors.Wrap(ErrCorruptBlock, "cd suffix auxiliary record missing")
			}
			copy(raw[2348:2352], rec)
		}
		return raw, nil
	}

	copy(raw[24:2072], userData)
	switch suffixEntry {
	case CdFixNotDumped:
	case CdFixMode2Form1Ok:
		edc := cdEdcCompute(0, raw[16:2072])
		binary.LittleEndian.PutUint32(raw[2072:2076], edc)
		ecc := cdComputeEcc(mode2Form1EccSpan(raw))
		copy(raw[2076:2352], ecc)
	default:
		rec := c.suffixAux.get(suffixEntry & CdDfixMask)
		if rec == nil {
			return nil, errors.Wrap(ErrCorruptBlock, "cd suffix auxiliary record missing")
		}
		copy(raw[2072:2352], rec)
	}
	return raw, nil
}
