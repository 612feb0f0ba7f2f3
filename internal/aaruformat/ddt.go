package aaruformat

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ddt is the in-memory Deduplication Table for one DataType: a packed
// array from logical sector address to a (block-offset, intra-block index)
// pointer. Entries are 64-bit for user data and 32-bit for the corrected CD
// prefix/suffix tables; tape media use a sparse map instead of the dense
// slice, since their dense form is only known once every block number has
// been written.
type ddt struct {
	dataType  DataType
	shift     uint32
	entrySize int // 8 (UserData) or 4 (corrected CD prefix/suffix)

	isTape bool
	sparse map[uint64]uint64 // tape: logical block -> entry
	dense  []uint64          // non-tape: index is sector address

	maxBudgetBytes int64
	spill          *ddtSpill
}

// ddtSpill is the on-disk placeholder an oversized DDT is pre-allocated into
// (lifecycle): an uncompressed DeDuplicationTable block written at
// create time and updated entry-by-entry via random writes, rewritten
// compressed at the tail on Close.
type ddtSpill struct {
	w           io.WriterAt
	payloadBase int64 // file offset of the first entry
}

func newDDT(dataType DataType, shift uint32, entries int, isTape bool, maxBudgetBytes int64) *ddt {
	entrySize := 8
	if dataType == DataTypeCdSectorPrefixCorrected || dataType == DataTypeCdSectorSuffixCorrected {
		entrySize = 4
	}
	d := &ddt{
		dataType:       dataType,
		shift:          shift,
		entrySize:      entrySize,
		isTape:         isTape,
		maxBudgetBytes: maxBudgetBytes,
	}
	if isTape {
		d.sparse = make(map[uint64]uint64)
	} else {
		d.dense = make([]uint64, entries)
	}
	return d
}

// packEntry combines a block's file offset and an intra-block sector index
// into one DDT entry (ddtEntry formula, decode formula).
func (d *ddt) packEntry(blockFileOffset int64, intraBlockIndex uint32) uint64 {
	return (uint64(blockFileOffset) << d.shift) | uint64(intraBlockIndex)
}

// unpackEntry splits an entry back into its block offset and intra-block
// index (reader addressing: blockOffset = e >> shift, intraIdx = e &
// ((1<<shift)-1)).
func (d *ddt) unpackEntry(e uint64) (blockFileOffset int64, intraBlockIndex uint32) {
	mask := (uint64(1) << d.shift) - 1
	return int64(e >> d.shift), uint32(e & mask)
}

func (d *ddt) set(addr uint64, entry uint64) error {
	if d.isTape {
		d.sparse[addr] = entry
		return d.maybeSpillWrite(addr, entry)
	}
	if addr >= uint64(len(d.dense)) {
		return errors.Wrapf(ErrOutOfRange, "ddt: address %d out of range (%d entries)", addr, len(d.dense))
	}
	d.dense[addr] = entry
	return d.maybeSpillWrite(addr, entry)
}

func (d *ddt) get(addr uint64) (uint64, bool) {
	if d.isTape {
		e, ok := d.sparse[addr]
		return e, ok
	}
	if addr >= uint64(len(d.dense)) {
		return 0, false
	}
	return d.dense[addr], true
}

// materializeTape rebuilds the dense slice from the sparse logical-block
// map, sized to the highest written block number plus one, with unwritten
// gaps left zero. Rebuilt from scratch on every call so later sparse writes
// are never lost to a stale dense copy.
func (d *ddt) materializeTape() {
	if !d.isTape {
		return
	}
	var maxAddr uint64
	for addr := range d.sparse {
		if addr > maxAddr {
			maxAddr = addr
		}
	}
	d.dense = make([]uint64, maxAddr+1)
	for addr, e := range d.sparse {
		d.dense[addr] = e
	}
}

// estimatedBytes returns the DDT's current packed size, used to decide
// whether it must spill to disk ("configurable in-memory budget").
func (d *ddt) estimatedBytes() int64 {
	n := len(d.dense)
	if d.isTape {
		n = len(d.sparse)
	}
	return int64(n) * int64(d.entrySize)
}

func (d *ddt) exceedsBudget() bool {
	// Tape DDTs never spill: their dense size is unknown until close, so a
	// pre-allocated placeholder could not hold later, higher block numbers.
	// They stay in memory as the sparse map and are materialized at close.
	if d.isTape || d.maxBudgetBytes <= 0 {
		return false
	}
	return d.estimatedBytes() > d.maxBudgetBytes
}

// beginSpill attaches the on-disk placeholder this DDT should mirror writes
// into once exceedsBudget is true. w is the backing file opened for random
// access; payloadBase is the file offset of entry 0 within the pre-allocated
// placeholder block.
func (d *ddt) beginSpill(w io.WriterAt, payloadBase int64) {
	d.spill = &ddtSpill{w: w, payloadBase: payloadBase}
}

func (d *ddt) maybeSpillWrite(addr uint64, entry uint64) error {
	if d.spill == nil {
		return nil
	}
	var buf [8]byte
	switch d.entrySize {
	case 4:
		binary.LittleEndian.PutUint32(buf[:4], uint32(entry))
	default:
		binary.LittleEndian.PutUint64(buf[:8], entry)
	}
	off := d.spill.payloadBase + int64(addr)*int64(d.entrySize)
	_, err := d.spill.w.WriteAt(buf[:d.entrySize], off)
	if err != nil {
		return errors.Wrap(err, "aaruformat: ddt spill write")
	}
	return nil
}

// pack encodes the DDT's dense form as the raw little-endian payload a
// DeDuplicationTable block stores (DDT entry encoding).
func (d *ddt) pack() []byte {
	if d.isTape {
		d.materializeTape()
	}
	buf := make([]byte, len(d.dense)*d.entrySize)
	for i, e := range d.dense {
		off := i * d.entrySize
		switch d.entrySize {
		case 4:
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e))
		default:
			binary.LittleEndian.PutUint64(buf[off:off+8], e)
		}
	}
	return buf
}

// unpackDDT decodes a DeDuplicationTable block payload back into a dense
// *ddt usable for reads.
func unpackDDT(dataType DataType, shift uint32, entrySize int, payload []byte) (*ddt, error) {
	if entrySize <= 0 || len(payload)%entrySize != 0 {
		return nil, errors.Errorf("aaruformat: ddt payload length %d not a multiple of entry size %d", len(payload), entrySize)
	}
	n := len(payload) / entrySize
	d := &ddt{dataType: dataType, shift: shift, entrySize: entrySize, dense: make([]uint64, n)}
	for i := 0; i < n; i++ {
		off := i * entrySize
		switch entrySize {
		case 4:
			d.dense[i] = uint64(binary.LittleEndian.Uint32(payload[off : off+4]))
		default:
			d.dense[i] = binary.LittleEndian.Uint64(payload[off : off+8])
		}
	}
	return d, nil
}
