// Package codec defines the pluggable primitive-codec interfaces the
// aaruformat core consumes and ships default implementations for
// each, backed by real third-party (or stdlib, where justified in DESIGN.md)
// libraries. The core never hardcodes a specific compressor or hash
// algorithm; it only calls through these interfaces, treating compressors
// and hash primitives as external collaborators.
package codec

import "io"

// Crc64 computes a running CRC-64 checksum. Reset returns the hasher to its
// initial state so one instance can be reused across blocks.
type Crc64 interface {
	Write(p []byte) (int, error)
	Sum64() uint64
	Reset()
}

// Digest computes a running cryptographic or fuzzy hash over an append-only
// byte stream (running whole-image digests).
type Digest interface {
	Write(p []byte) (int, error)
	// Finalize returns the digest's final encoded form. For MD5/SHA-1/SHA-256
	// this is the raw digest bytes; for SpamSum it is the textual signature.
	Finalize() []byte
}

// Encoder streams sectors into a compressed block. Close flushes any
// buffered state and returns the compressed payload; Properties returns the
// codec property prefix — the core is responsible for sequencing
// properties-then-payload on disk.
type Encoder interface {
	io.Writer
	// Properties returns the opaque codec property prefix. Empty
	// for codecs without one (e.g. FLAC, None).
	Properties() []byte
	// Close finalizes the stream and returns the encoded bytes written to
	// the underlying sink since the encoder was created. Implementations
	// that give up ownership of their sink on Close (FLAC) must copy the
	// bytes out before returning, ownership-transfer note.
	Close() ([]byte, error)
}

// Decoder decompresses a single block payload in one shot, given the codec's
// property prefix (if any) and the expected decompressed length.
type Decoder interface {
	Decode(properties []byte, compressed []byte, decompressedLength int) ([]byte, error)
}
