package codec

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz/lzma"
)

// LZMA streaming encoder/decoder, built on github.com/ulikunitz/xz/lzma's
// classic-format Writer/Reader. The stream the encoder produces is
// self-describing (the library writes the usual 13-byte header with an
// unknown-size marker and terminates with an end-of-stream marker); the
// container's separate 5-byte property prefix carries the same lc/lp/pb and
// dictionary-size values so a reader can size its dictionary without peeking
// into the payload.

const lzmaPropertiesLengthConst = 5

// encodeLZMAProperties packs lc=3, lp=0, pb=2 plus the dictionary size into
// the 5-byte opaque prefix written before the compressed payload.
func encodeLZMAProperties(dictSize uint32) [lzmaPropertiesLengthConst]byte {
	var props [lzmaPropertiesLengthConst]byte
	props[0] = 0x5D // lc=3, lp=0, pb=2
	props[1] = byte(dictSize)
	props[2] = byte(dictSize >> 8)
	props[3] = byte(dictSize >> 16)
	props[4] = byte(dictSize >> 24)
	return props
}

type lzmaEncoder struct {
	dictSize uint32
	buf      bytes.Buffer
	w        *lzma.Writer
}

// NewLZMAEncoder returns an Encoder producing a classic LZMA stream with an
// end-of-stream marker, preceded on disk by the 5-byte property prefix the
// container format mandates.
func NewLZMAEncoder(dictSize uint32) (Encoder, error) {
	e := &lzmaEncoder{dictSize: dictSize}
	cfg := lzma.WriterConfig{
		Properties: &lzma.Properties{LC: 3, LP: 0, PB: 2},
		DictCap:    int(dictSize),
		EOSMarker:  true,
	}
	w, err := cfg.NewWriter(&e.buf)
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat/codec: lzma encoder init")
	}
	e.w = w
	return e, nil
}

func (e *lzmaEncoder) Write(p []byte) (int, error) { return e.w.Write(p) }

func (e *lzmaEncoder) Properties() []byte {
	props := encodeLZMAProperties(e.dictSize)
	return props[:]
}

func (e *lzmaEncoder) Close() ([]byte, error) {
	if err := e.w.Close(); err != nil {
		return nil, errors.Wrap(err, "aaruformat/codec: lzma encoder close")
	}
	return e.buf.Bytes(), nil
}

type lzmaDecoder struct{}

// NewLZMADecoder returns a Decoder for blocks written by NewLZMAEncoder.
func NewLZMADecoder() Decoder { return &lzmaDecoder{} }

func (d *lzmaDecoder) Decode(properties []byte, compressed []byte, decompressedLength int) ([]byte, error) {
	if len(properties) != lzmaPropertiesLengthConst {
		return nil, errors.Errorf("aaruformat/codec: lzma properties must be %d bytes, got %d", lzmaPropertiesLengthConst, len(properties))
	}
	dictSize := uint32(properties[1]) | uint32(properties[2])<<8 | uint32(properties[3])<<16 | uint32(properties[4])<<24

	cfg := lzma.ReaderConfig{DictCap: int(dictSize)}
	r, err := cfg.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat/codec: lzma reader init")
	}
	out := make([]byte, decompressedLength)
	n, err := io.ReadFull(r, out)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, errors.Wrap(err, "aaruformat/codec: lzma decode")
	}
	return out[:n], nil
}
