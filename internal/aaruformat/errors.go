package aaruformat

import (
	"github.com/pkg/errors"
)

// Each error below is a sentinel that call sites wrap with github.com/pkg/errors
// for context, so callers can still errors.Is() against the sentinel while
// getting a human-readable chain — the same pattern retroio and mewkiz/flac
// use for error wrapping.
var (
	// ErrNotWriting is returned when a write method is called on an image
	// that is not in the Writing state.
	ErrNotWriting = errors.New("aaruformat: image is not open for writing")

	// ErrOutOfRange is returned when a sector address exceeds the media's
	// declared sector count (non-tape media only).
	ErrOutOfRange = errors.New("aaruformat: sector address out of range")

	// ErrWrongSize is returned when WriteSectorLong's payload does not match
	// the expected size for the target track/media.
	ErrWrongSize = errors.New("aaruformat: wrong sector payload size")

	// ErrTrackNotFound is returned when an optical write targets a sector
	// outside every declared track.
	ErrTrackNotFound = errors.New("aaruformat: sector address does not belong to any track")

	// ErrUnsupportedMedia is returned from Create when mediaType is not in
	// the writer's supported set.
	ErrUnsupportedMedia = errors.New("aaruformat: unsupported media type")

	// ErrIncompatibleAppend is returned from Create/Open when an existing
	// file has the wrong magic, a newer major version, or a different media
	// type than requested.
	ErrIncompatibleAppend = errors.New("aaruformat: existing image is incompatible for append")

	// ErrMissingDDTOnAppend is returned when an existing image's index has no
	// UserData DeDuplicationTable entry.
	ErrMissingDDTOnAppend = errors.New("aaruformat: no user data deduplication table found on append")

	// ErrCorruptBlock marks a header-identifier or CRC mismatch. Usually
	// this is logged and the block is skipped, not fatal, except where a
	// caller specifically needs to know parsing stopped (e.g. UnsupportedCompression).
	ErrCorruptBlock = errors.New("aaruformat: corrupt block")

	// ErrUnsupportedCompression is returned when a block/DDT header encodes
	// an unrecognized CompressionKind. Fatal on append.
	ErrUnsupportedCompression = errors.New("aaruformat: unsupported compression")

	// ErrEncoderFailure wraps an underlying codec (LZMA/FLAC/digest) failure.
	ErrEncoderFailure = errors.New("aaruformat: codec failure")

	// ErrClosed is returned when any method is called on an already-closed writer.
	ErrClosed = errors.New("aaruformat: image is closed")

	// ErrNotSupported marks a structural setter rejected because the media
	// type disallows it (e.g. SetTracks on a non-optical medium).
	ErrNotSupported = errors.New("aaruformat: operation not supported for this media type")

	// ErrSectorNotDumped is returned by a reader when a sector's DDT entry
	// is the zero sentinel: the address was never written.
	ErrSectorNotDumped = errors.New("aaruformat: sector not dumped")

	// ErrIncompleteImage is returned by Open when the backing file's header
	// carries no indexOffset: it was never Closed, so no index or DDT can
	// be recovered.
	ErrIncompleteImage = errors.New("aaruformat: image was never closed")
)

// wrapf wraps err with a formatted message, preserving errors.Is/As against
// the sentinel chain.
func wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// sectorAddressError renders a uniform "op: address N" suffix used by several
// call sites below.
func sectorAddressError(err error, op string, address uint64) error {
	return wrapf(err, "%s: address %d", op, address)
}
