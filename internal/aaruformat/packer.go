package aaruformat

import (
	"bytes"

	"aarufmt/internal/aaruformat/codec"

	"github.com/pkg/errors"
)

// packer turns a stream of equal-size sectors into at most one open
// compressed block at a time: a block-level accumulator with pluggable
// codecs, flushed when the block fills, the sector size changes, or the
// track kind flips under a FLAC codec.
type packer struct {
	dataType   DataType
	sectorSize uint32
	shift      uint32

	trackIsAudio bool
	currentCodec CompressionKind

	enc       codec.Encoder
	crc       codec.Crc64
	shadow    bytes.Buffer // decompressedStream: raw bytes mirrored alongside the codec sink
	sectorsIn uint32       // currentBlockOffset

	compressEnabled bool
	mediaIsOptical  bool
	mediaCarriesAudioAsData bool
	flacBlockSamples int
	dictionary       uint32
}

// packedBlock is a flushed block ready to be written to the container:
// header plus the bytes that follow it on disk (properties, if any, then
// payload).
type packedBlock struct {
	Header   DataBlockHeader
	Properties []byte
	Payload    []byte
}

func newPacker(dataType DataType, sectorSize uint32, shift uint32, compressEnabled, mediaIsOptical, mediaCarriesAudioAsData bool, flacBlockSamples int, dictionary uint32) *packer {
	if dictionary == 0 {
		dictionary = 1 << 25
	}
	return &packer{
		dataType:                dataType,
		sectorSize:              sectorSize,
		shift:                   shift,
		compressEnabled:         compressEnabled,
		mediaIsOptical:          mediaIsOptical,
		mediaCarriesAudioAsData: mediaCarriesAudioAsData,
		flacBlockSamples:        flacBlockSamples,
		dictionary:              dictionary,
		crc:                     codec.NewCrc64ECMA(),
	}
}

// selectCodec implements the codec-selection rule on block open.
func (p *packer) selectCodec(trackIsAudio bool) CompressionKind {
	if !p.compressEnabled {
		return CompressionNone
	}
	if p.mediaIsOptical && trackIsAudio && !p.mediaCarriesAudioAsData {
		return CompressionFlac
	}
	return CompressionLzma
}

// open starts a new block for the given sector size and track kind (called
// lazily by append when no block is currently open).
func (p *packer) open(sectorSize uint32, trackIsAudio bool) error {
	p.sectorSize = sectorSize
	p.trackIsAudio = trackIsAudio
	p.currentCodec = p.selectCodec(trackIsAudio)
	p.sectorsIn = 0
	p.shadow.Reset()
	p.crc.Reset()

	var err error
	switch p.currentCodec {
	case CompressionLzma:
		p.enc, err = codec.NewLZMAEncoder(p.dictionary)
	case CompressionFlac:
		p.enc, err = codec.NewFLACEncoder(codec.ClampFlacBlockSize(p.flacBlockSamples))
	default:
		p.enc = nil
	}
	return errors.Wrap(err, "aaruformat: packer open")
}

// isOpen reports whether a block is currently being accumulated.
func (p *packer) isOpen() bool { return p.sectorsIn > 0 || p.shadow.Len() > 0 || p.enc != nil }

// blockFull reports flush condition 1: the block has reached 1<<shift
// sectors.
func (p *packer) blockFull() bool { return p.sectorsIn >= (uint32(1) << p.shift) }

// needsFlushFor reports whether appending the next sector would require a
// preceding flush, per flush conditions 1-3.
func (p *packer) needsFlushFor(sectorLen uint32, nextTrackIsAudio bool) bool {
	if !p.isOpen() {
		return false
	}
	if p.blockFull() {
		return true
	}
	if sectorLen != p.sectorSize {
		return true
	}
	if p.currentCodec == CompressionFlac && nextTrackIsAudio != p.trackIsAudio {
		return true
	}
	return false
}

// append writes one sector's bytes into the currently open block, opening a
// new one first if none is open. Returns the sector's intra-block index for
// the caller to pack into a DDT entry.
func (p *packer) append(data []byte, trackIsAudio bool) (intraBlockIndex uint32, err error) {
	if !p.isOpen() {
		if err := p.open(uint32(len(data)), trackIsAudio); err != nil {
			return 0, err
		}
	}
	if _, err := p.crc.Write(data); err != nil {
		return 0, errors.Wrap(err, "aaruformat: packer crc")
	}
	p.shadow.Write(data)
	if p.enc != nil {
		if _, err := p.enc.Write(data); err != nil {
			return 0, errors.Wrap(err, "aaruformat: packer encode")
		}
	}
	idx := p.sectorsIn
	p.sectorsIn++
	return idx, nil
}

// flush closes the currently open block and returns its on-disk
// representation, following five-step flush sequence. Returns
// (nil, nil) if no block is open.
func (p *packer) flush() (*packedBlock, error) {
	if !p.isOpen() {
		return nil, nil
	}

	length := uint64(p.sectorsIn) * uint64(p.sectorSize)
	crc64 := p.crc.Sum64()

	var properties, compressed []byte
	compression := p.currentCodec

	if p.enc != nil {
		if compression == CompressionFlac {
			// Step 2: pad the final sub-block with silence to the FLAC
			// encoder's block size before closing, so a short last block
			// still matches the stream's declared STREAMINFO block size.
			if padder, ok := p.enc.(interface{ PadSilence() error }); ok {
				if err := padder.PadSilence(); err != nil {
					return nil, errors.Wrap(err, "aaruformat: packer flac pad silence")
				}
			}
		}
		var err error
		properties = p.enc.Properties()
		compressed, err = p.enc.Close()
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat: packer flush close")
		}
	}

	shadowBytes := p.shadow.Bytes()

	if compression == CompressionLzma && uint64(len(properties)+len(compressed)) >= length {
		// Demote: compressed form is not smaller than the decompressed
		// shadow, so emit the shadow directly (step 3).
		compression = CompressionNone
		properties = nil
		compressed = nil
	}

	var payload []byte
	var cmpCrc64 uint64
	var cmpLength uint64

	switch compression {
	case CompressionNone:
		payload = append([]byte(nil), shadowBytes...)
		cmpCrc64 = crc64
		cmpLength = length
	case CompressionLzma:
		cmpHash := codec.NewCrc64ECMA()
		_, _ = cmpHash.Write(properties)
		_, _ = cmpHash.Write(compressed)
		cmpCrc64 = cmpHash.Sum64()
		cmpLength = uint64(len(properties)) + uint64(len(compressed))
		payload = compressed
	case CompressionFlac:
		cmpHash := codec.NewCrc64ECMA()
		_, _ = cmpHash.Write(compressed)
		cmpCrc64 = cmpHash.Sum64()
		cmpLength = uint64(len(compressed))
		payload = compressed
	}

	block := &packedBlock{
		Header: DataBlockHeader{
			Identifier:  BlockTypeDataBlock,
			DataType:    p.dataType,
			Compression: compression,
			SectorSize:  p.sectorSize,
			Length:      length,
			CmpLength:   cmpLength,
			Crc64:       crc64,
			CmpCrc64:    cmpCrc64,
		},
		Properties: properties,
		Payload:    payload,
	}

	p.enc = nil
	p.sectorsIn = 0
	p.shadow.Reset()

	return block, nil
}
