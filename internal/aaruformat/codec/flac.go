package codec

import (
	"bytes"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
	"github.com/pkg/errors"
)

// FLAC streaming encoder/decoder for Red Book audio tracks, built on
// flac.NewEncoder/(*Encoder).WriteFrame/Close and flac.New for decoding.

// Red Book CD-DA parameters (44.1kHz/16-bit stereo).
const (
	FlacSampleRate        = 44100
	FlacBitsPerSample     = 16
	FlacChannels          = 2
	FlacSamplesPerCDBlock = 588 // one CD sector's worth of stereo samples
)

// ClampFlacBlockSize clamps a requested FLAC block size (sectorsPerBlock*588)
// to FLAC's legal frame-size bounds (MIN_FLAKE_BLOCK/MAX_FLAKE_BLOCK).
func ClampFlacBlockSize(requested int) int {
	const minFlakeBlock = 256
	const maxFlakeBlock = 65535
	if requested < minFlakeBlock {
		return minFlakeBlock
	}
	if requested > maxFlakeBlock {
		return maxFlakeBlock
	}
	return requested
}

type flacEncoder struct {
	buf       bytes.Buffer
	enc       *flac.Encoder
	blockSize int
	pending   []byte // raw little-endian PCM bytes buffered until a full block is ready
}

// NewFLACEncoder returns an Encoder over a fresh Red Book stream with the
// given FLAC block size (already clamped by the caller via
// ClampFlacBlockSize).
func NewFLACEncoder(blockSize int) (Encoder, error) {
	e := &flacEncoder{blockSize: blockSize}
	info := &meta.StreamInfo{
		BlockSizeMin:  uint16(blockSize),
		BlockSizeMax:  uint16(blockSize),
		SampleRate:    FlacSampleRate,
		NChannels:     FlacChannels,
		BitsPerSample: FlacBitsPerSample,
	}
	enc, err := flac.NewEncoder(&e.buf, info)
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat/codec: flac encoder init")
	}
	e.enc = enc
	return e, nil
}

// Write accepts raw little-endian 16-bit stereo PCM bytes (a CD sector's
// worth, or any multiple of 4 bytes) and buffers them, emitting one FLAC
// frame each time a full block's worth of samples has accumulated. Callers
// are free to write in whatever chunking they have on hand (one sector at a
// time, typically); the frames that actually reach the stream match the
// block size the encoder was constructed with, not the caller's chunk size.
func (e *flacEncoder) Write(p []byte) (int, error) {
	if len(p)%4 != 0 {
		return 0, errors.Errorf("aaruformat/codec: flac input must be a multiple of 4 bytes, got %d", len(p))
	}
	e.pending = append(e.pending, p...)
	if err := e.drainFullFrames(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// drainFullFrames emits one frame for every complete block's worth of
// samples currently buffered, leaving any remainder pending.
func (e *flacEncoder) drainFullFrames() error {
	frameBytes := e.blockSize * 4
	for len(e.pending) >= frameBytes {
		if err := e.writeFrame(e.pending[:frameBytes]); err != nil {
			return err
		}
		e.pending = e.pending[frameBytes:]
	}
	return nil
}

// writeFrame emits one FLAC frame of verbatim-predicted stereo samples.
func (e *flacEncoder) writeFrame(raw []byte) error {
	n := len(raw) / 4
	subframes := make([]*frame.Subframe, FlacChannels)
	for i := range subframes {
		subframes[i] = &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   make([]int32, n),
			NSamples:  n,
		}
	}
	for i := 0; i < n; i++ {
		lo := int16(uint16(raw[i*4]) | uint16(raw[i*4+1])<<8)
		ro := int16(uint16(raw[i*4+2]) | uint16(raw[i*4+3])<<8)
		subframes[0].Samples[i] = int32(lo)
		subframes[1].Samples[i] = int32(ro)
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(n),
			SampleRate:    FlacSampleRate,
			Channels:      frame.ChannelsLR,
			BitsPerSample: FlacBitsPerSample,
		},
		Subframes: subframes,
	}
	if err := e.enc.WriteFrame(f); err != nil {
		return errors.Wrap(err, "aaruformat/codec: flac write frame")
	}
	return nil
}

// PadSilence completes the currently buffered partial block with digital
// silence up to the configured block size and emits it, so the stream's
// final sub-block matches the declared STREAMINFO block size instead of
// trailing off short. Used by the packer right before Close. A no-op if
// nothing is pending or the buffer already sits on a block boundary.
func (e *flacEncoder) PadSilence() error {
	frameBytes := e.blockSize * 4
	if len(e.pending) == 0 || len(e.pending) >= frameBytes {
		return nil
	}
	e.pending = append(e.pending, make([]byte, frameBytes-len(e.pending))...)
	return e.drainFullFrames()
}

// Properties is empty for FLAC: the format carries its own self-describing
// metadata blocks, so there is no separate property prefix.
func (e *flacEncoder) Properties() []byte { return nil }

// Close finalizes the FLAC stream. The encoder owns its sink by contract
// (mewkiz/flac's Encoder.Close seeks back and rewrites STREAMINFO), so the
// encoded bytes are copied out of the backing buffer only after Close
// succeeds — an explicit transfer of ownership rather than a borrowed
// reference.
func (e *flacEncoder) Close() ([]byte, error) {
	if len(e.pending) > 0 {
		if err := e.writeFrame(e.pending); err != nil {
			return nil, err
		}
		e.pending = nil
	}
	if err := e.enc.Close(); err != nil {
		return nil, errors.Wrap(err, "aaruformat/codec: flac encoder close")
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

type flacDecoder struct{}

// NewFLACDecoder returns a Decoder for blocks written by NewFLACEncoder.
func NewFLACDecoder() Decoder { return &flacDecoder{} }

func (d *flacDecoder) Decode(_ []byte, compressed []byte, decompressedLength int) ([]byte, error) {
	stream, err := flac.New(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat/codec: flac stream open")
	}
	out := make([]byte, 0, decompressedLength)
	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "aaruformat/codec: flac frame parse")
		}
		if len(f.Subframes) != 2 {
			return nil, errors.Errorf("aaruformat/codec: flac frame has %d channels, want 2", len(f.Subframes))
		}
		left := f.Subframes[0].Samples
		right := f.Subframes[1].Samples
		for i := range left {
			var tmp [4]byte
			tmp[0] = byte(left[i])
			tmp[1] = byte(left[i] >> 8)
			tmp[2] = byte(right[i])
			tmp[3] = byte(right[i] >> 8)
			out = append(out, tmp[:]...)
		}
	}
	// The final frame may have been padded with silence to the encoder's
	// block size; drop the padding past the block's true length.
	if len(out) > decompressedLength {
		out = out[:decompressedLength]
	}
	return out, nil
}
