package aaruformat

import (
	"io"
	"os"
	"time"

	"aarufmt/internal/aaruformat/codec"
	"aarufmt/internal/version"

	"github.com/pkg/errors"
)

// writingApplicationID identifies this writer in the header's application
// field ("arfm" read little-endian).
const writingApplicationID uint32 = 'a' | 'r'<<8 | 'f'<<16 | 'm'<<24

// writerState is the state machine: Created -> Writing -> Closed, with
// re-entry into Writing via append on a fresh Writer built over an existing
// file.
type writerState int

const (
	stateCreated writerState = iota
	stateWriting
	stateClosed
)

// CloseStats reports the dedup ratio and block counts accumulated by one
// Close call, returned as a value rather than printed so callers can log or
// ignore it.
type CloseStats struct {
	TotalSectorsWritten   uint64
	DeduplicatedSectors   uint64
	UserDataBlocksWritten int
}

// DedupRatio returns the fraction of written sectors that hit the dedup
// store instead of being newly packed, or 0 if nothing was written.
func (s CloseStats) DedupRatio() float64 {
	if s.TotalSectorsWritten == 0 {
		return 0
	}
	return float64(s.DeduplicatedSectors) / float64(s.TotalSectorsWritten)
}

// Writer is the AaruFormat container writer. One instance
// exclusively owns its backing file, packer, dedup map, DDT(s), side
// streams and running digests ("Shared-resource policy") — there is no
// internal locking; concurrent calls on the same instance are the caller's
// bug to avoid.
type Writer struct {
	f     *os.File
	state writerState
	log   Logger

	opts   CreateOptions
	shift  uint32

	header Header

	userPacker *packer
	userDDT    *ddt
	dedup      *dedupStore

	cd *cdSplitter

	tags          map[TagKind][]byte
	tracks        []Track
	geometry      *Geometry
	dumpHardware  []DumpHardwareEntry
	cicm          []byte
	tapePartitions []TapePartition
	tapeFiles     []TapeFile
	metadata      Metadata
	trackTags     map[SectorTagKind]map[uint64][]byte
	subchannel    *denseStream

	// appleTag holds the per-sector tag bytes for Apple Profile/Sony or Priam
	// Data Tower long-sector media (WriteSectorLong); appleTagType records
	// which of the three tag layouts is in use so a later call with a
	// different length is rejected instead of silently mixing formats.
	appleTag     *denseStream
	appleTagType DataType

	// carriedMediaTags holds whole-image tag payloads recovered on Append
	// whose original TagKind cannot be recovered from the on-disk DataType
	// alone (see sidechannels.go's tagDataType collision). Re-emitted at
	// Close for any DataType not already covered by a fresh WriteMediaTag
	// call, so pre-existing tags survive an append that never rewrote them.
	carriedMediaTags map[DataType][]byte

	index []IndexEntry

	// Dirty flags, used on a writer built by Append: a block kind whose
	// carried index entry is still valid and whose in-memory state was never
	// touched is not re-emitted at Close, so an append that changes nothing
	// leaves the prior blocks (and their index entries) in place.
	ddtDirty        bool
	cdDirty         bool
	subchannelDirty bool
	appleDirty      bool
	geometryDirty   bool
	dumpHwDirty     bool
	cicmDirty       bool
	tracksDirty     bool
	metadataDirty   bool
	tapePartsDirty  bool
	tapeFilesDirty  bool

	digestsEnabled bool
	digests        map[string]codec.Digest
	highestWritten uint64
	anyWritten     bool
	zeroWritten    bool
	rewound        bool

	totalSectorsWritten uint64
	dedupedSectors      uint64
	userBlocksWritten   int

	position int64 // next write offset in the backing file
}

// Create opens a new image for writing (Created -> Writing).
func Create(path string, opts CreateOptions, log Logger) (*Writer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !isSupportedMediaType(opts.MediaType) {
		return nil, errors.Wrapf(ErrUnsupportedMedia, "media type %d", opts.MediaType)
	}
	if log == nil {
		log = NewNoopLogger()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat: create backing file")
	}

	now := time.Now()
	ft := unixToFiletime(now.Unix(), int64(now.Nanosecond()))

	w := &Writer{
		f:     f,
		state: stateWriting,
		log:   log,
		opts:  opts,
		shift: opts.shift(),
		header: Header{
			Identifier:            stringToBytes8(magicCurrent),
			ImageMajorVersion:     version.AARUFMTMajorVersion,
			ImageMinorVersion:     version.AARUFMTMinorVersion,
			ApplicationID:         writingApplicationID,
			ApplicationMajorMinor: version.ApplicationMajor<<16 | version.ApplicationMinor,
			MediaType:             opts.MediaType,
			CreationTime:          ft,
			LastWrittenTime:       ft,
		},
		tags:    make(map[TagKind][]byte),
		digests: make(map[string]codec.Digest),
	}

	w.userDDT = newDDT(DataTypeUserData, w.shift, int(opts.Sectors), opts.MediaType.IsTape(), opts.maxDdtBudgetBytes())
	w.userPacker = newPacker(DataTypeUserData, opts.SectorSize, w.shift, opts.Compress,
		opts.MediaType.IsOptical(), opts.MediaType.carriesAudioAsData(1), int(opts.SectorsPerBlock)*588, opts.Dictionary)
	w.dedup = newDedupStore(opts.Deduplicate, func() codec.Digest { return codec.NewSHA256() })

	if opts.MediaType.IsOptical() {
		w.cd = newCdSplitter(int(opts.Sectors), w.shift)
	}

	w.digestsEnabled = opts.MD5 || opts.SHA1 || opts.SHA256 || opts.SpamSum
	if opts.MD5 {
		w.digests["md5"] = codec.NewMD5()
	}
	if opts.SHA1 {
		w.digests["sha1"] = codec.NewSHA1()
	}
	if opts.SHA256 {
		w.digests["sha256"] = codec.NewSHA256()
	}
	if opts.SpamSum {
		w.digests["spamsum"] = codec.NewSpamSum()
	}

	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		return nil, errors.Wrap(err, "aaruformat: reserve header")
	}
	w.position = headerSize

	if w.userDDT.exceedsBudget() {
		if err := w.spillDDT(w.userDDT); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// currentMajorVersion is the highest ImageMajorVersion this writer can
// append to; a newer major version on disk is rejected rather than
// risking a misinterpreted layout.
const currentMajorVersion = version.AARUFMTMajorVersion

// Append reopens an existing, closed image for continued writing. It
// rebuilds every in-memory structure from the trailing index (the same
// rebuild rebuildFromIndex performs for a read-only Open), then positions
// the file for new blocks starting at the prior index offset: the old
// index and anything after it is superseded the next time Close runs, but
// never truncated up front, so a failed Append leaves the original image
// byte-for-byte intact.
//
// Running whole-image digests are permanently disabled on append (the
// digest state needed to resume one isn't persisted, and resuming from
// zero would silently produce a wrong checksum); any prior ChecksumBlock
// entry is dropped from the carried index and never re-emitted. A partially
// present set of CD side streams is discarded rather than trusted.
func Append(path string, mediaType MediaType, log Logger) (*Writer, error) {
	if log == nil {
		log = NewNoopLogger()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "aaruformat: open backing file for append")
	}

	hb := make([]byte, headerSize)
	if _, err := f.ReadAt(hb, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "aaruformat: read header")
	}
	header, err := decodeHeader(hb)
	if err != nil {
		f.Close()
		return nil, err
	}
	if header.IndexOffset == 0 && header.Identifier == ([8]byte{}) {
		// Create leaves the header zeroed until Close.
		f.Close()
		return nil, ErrIncompleteImage
	}
	if !header.isValidMagic() {
		f.Close()
		return nil, errors.Wrap(ErrIncompatibleAppend, "aaruformat: unrecognized magic")
	}
	if header.ImageMajorVersion > currentMajorVersion {
		f.Close()
		return nil, errors.Wrapf(ErrIncompatibleAppend, "aaruformat: image major version %d newer than supported %d", header.ImageMajorVersion, currentMajorVersion)
	}
	if mediaType != MediaUnknown && mediaType != header.MediaType {
		f.Close()
		return nil, errors.Wrapf(ErrIncompatibleAppend, "aaruformat: image media type %d does not match caller's %d", header.MediaType, mediaType)
	}
	if header.IndexOffset == 0 {
		f.Close()
		return nil, ErrIncompleteImage
	}

	rb := &Reader{
		f:         f,
		log:       log,
		header:    header,
		mediaTags: make(map[DataType][]byte),
		checksums: make(map[string][]byte),
		cache:     newBlockCache(defaultBlockCacheCapacity),
	}
	if err := rb.rebuildFromIndex(); err != nil {
		f.Close()
		return nil, err
	}
	if rb.userDDT == nil {
		f.Close()
		return nil, ErrMissingDDTOnAppend
	}

	if _, err := f.Seek(header.IndexOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "aaruformat: seek to prior index offset")
	}

	opts := DefaultCreateOptions()
	opts.MediaType = header.MediaType
	opts.Sectors = rb.sectors
	opts.SectorSize = rb.sectorSize

	// The image is rewritten by this writer from here on, so the header it
	// gets at the next Close identifies this application and the current
	// format version — a legacy DICMFMT magic is upgraded, never re-emitted.
	header.Identifier = stringToBytes8(magicCurrent)
	header.ImageMajorVersion = version.AARUFMTMajorVersion
	header.ImageMinorVersion = version.AARUFMTMinorVersion
	header.ApplicationID = writingApplicationID
	header.ApplicationMajorMinor = version.ApplicationMajor<<16 | version.ApplicationMinor

	w := &Writer{
		f:                f,
		state:            stateWriting,
		log:              log,
		opts:             opts,
		shift:            rb.shift,
		header:           header,
		userDDT:          rb.userDDT,
		dedup:            newDedupStore(opts.Deduplicate, func() codec.Digest { return codec.NewSHA256() }),
		cd:               rb.cd,
		tags:             make(map[TagKind][]byte),
		carriedMediaTags: rb.mediaTags,
		tracks:           rb.tracks,
		dumpHardware:     rb.dumpHardware,
		cicm:             rb.cicm,
		tapePartitions:   rb.tapePartitions,
		tapeFiles:        rb.tapeFiles,
		metadata:         rb.metadata,
		digests:          make(map[string]codec.Digest),
		position:         header.IndexOffset,
	}
	if rb.geometry != nil {
		g := *rb.geometry
		w.geometry = &g
	}
	if rb.subchannelPayload != nil {
		w.subchannel = &denseStream{recordSize: 96, buf: append([]byte(nil), rb.subchannelPayload...)}
	}
	// An optical image whose CD side streams were discarded as partial (or
	// never written) resumes from a consistent empty splitter state.
	if header.MediaType.IsOptical() && w.cd == nil {
		w.cd = newCdSplitter(int(rb.sectors), rb.shift)
	}
	if rb.appleTag != nil {
		w.appleTagType = rb.appleTagType
		w.appleTag = &denseStream{recordSize: rb.appleTag.recordSize, buf: append([]byte(nil), rb.appleTag.buf...)}
	}
	w.userPacker = newPacker(DataTypeUserData, rb.sectorSize, w.shift, opts.Compress,
		header.MediaType.IsOptical(), header.MediaType.carriesAudioAsData(1), (1<<w.shift)*588, opts.Dictionary)

	// Carry the prior index forward, minus any ChecksumBlock entry (appended
	// images cannot produce authoritative whole-image digests): blocks whose
	// state this session never touches keep their existing entries, and a
	// block kind that is rewritten at Close supersedes its old entry then.
	for _, e := range rb.indexEntries {
		if e.BlockType == BlockTypeChecksumBlock {
			continue
		}
		w.index = append(w.index, e)
	}

	// A rebuilt tape DDT comes back dense; convert it to the sparse map form
	// the tape write path grows block by block.
	if header.MediaType.IsTape() {
		sparse := newDDT(DataTypeUserData, rb.shift, 0, true, opts.maxDdtBudgetBytes())
		for addr, e := range rb.userDDT.dense {
			if e != 0 {
				sparse.sparse[uint64(addr)] = e
			}
		}
		w.userDDT = sparse
	}

	// unpackDDT (rebuildFromIndex) doesn't carry a budget, since a read-only
	// Reader never spills; re-apply it here so a re-opened, already-oversized
	// DDT resumes spilling instead of silently reverting to all-in-memory.
	w.userDDT.maxBudgetBytes = opts.maxDdtBudgetBytes()
	if w.userDDT.spill == nil && w.userDDT.exceedsBudget() {
		if err := w.spillDDT(w.userDDT); err != nil {
			f.Close()
			return nil, err
		}
	}

	return w, nil
}

func stringToBytes8(s string) [8]byte {
	var b [8]byte
	copy(b[:], s)
	return b
}

func isSupportedMediaType(m MediaType) bool {
	return m != MediaUnknown
}

// WriteMediaTag replaces any previous value for tag ("no error on
// duplicate").
func (w *Writer) WriteMediaTag(tag TagKind, data []byte) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	w.tags[tag] = append([]byte(nil), data...)
	return nil
}

// updateDigests feeds data through every enabled running digest, subject to
// the rewind rule: a write whose address is at or below the highest address
// already seen, once address 0 has been written, marks the pass as no longer
// a single forward sweep, and the digests stay untouched from then on.
func (w *Writer) updateDigests(address uint64, data []byte) {
	if !w.digestsEnabled || w.rewound {
		return
	}
	if w.anyWritten && w.zeroWritten && address <= w.highestWritten {
		w.rewound = true
		return
	}
	if address == 0 {
		w.zeroWritten = true
	}
	if !w.anyWritten || address > w.highestWritten {
		w.highestWritten = address
	}
	w.anyWritten = true
	for _, d := range w.digests {
		_, _ = d.Write(data)
	}
}

// WriteSector writes one logical sector.
func (w *Writer) WriteSector(data []byte, address uint64) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	if !w.opts.MediaType.IsTape() && address >= w.opts.Sectors {
		return sectorAddressError(ErrOutOfRange, "WriteSector", address)
	}
	if w.opts.MediaType.IsOptical() && len(w.tracks) > 0 && !w.sectorInAnyTrack(address) {
		return sectorAddressError(ErrTrackNotFound, "WriteSector", address)
	}

	w.updateDigests(address, data)
	w.ddtDirty = true

	entry, key, hashed, hit := w.dedup.lookup(data)
	if hashed && hit {
		if err := w.userDDT.set(address, entry); err != nil {
			return err
		}
		w.totalSectorsWritten++
		w.dedupedSectors++
		return nil
	}

	trackIsAudio := w.trackIsAudioAt(address)

	blockOffset, err := w.currentUserBlockFileOffset()
	if err != nil {
		return err
	}
	if w.userPacker.needsFlushFor(uint32(len(data)), trackIsAudio) {
		if err := w.flushUserBlock(); err != nil {
			return err
		}
		blockOffset = w.position
	}
	intraIdx, err := w.userPacker.append(data, trackIsAudio)
	if err != nil {
		return errors.Wrap(ErrEncoderFailure, err.Error())
	}
	newEntry := w.userDDT.packEntry(blockOffset, intraIdx)
	if err := w.userDDT.set(address, newEntry); err != nil {
		return err
	}
	if hashed {
		w.dedup.record(key, newEntry)
	}
	w.totalSectorsWritten++
	return nil
}

// sectorInAnyTrack reports whether address falls within some declared track.
func (w *Writer) sectorInAnyTrack(address uint64) bool {
	for _, t := range w.tracks {
		if address >= t.StartSector && address <= t.EndSector {
			return true
		}
	}
	return false
}

// trackIsAudioAt reports whether address falls within a declared Audio
// track, driving the packer's FLAC-vs-LZMA codec selection. Audio tracks on
// the media families that carry data inside them (JaguarCD sessions past
// the first, the VideoNow family) are excluded, so their payload is packed
// as data rather than audio frames.
func (w *Writer) trackIsAudioAt(address uint64) bool {
	for _, t := range w.tracks {
		if t.Type == TrackAudio && address >= t.StartSector && address <= t.EndSector {
			return !w.opts.MediaType.carriesAudioAsData(t.Session)
		}
	}
	return false
}

// currentUserBlockFileOffset returns the file offset a freshly opened user
// data block would start at: the current write position if a block is
// already open (flushing will rewrite from there), else w.position.
func (w *Writer) currentUserBlockFileOffset() (int64, error) {
	return w.position, nil
}

// flushUserBlock flushes the packer's currently open block to disk,
// appending an IndexEntry for it.
func (w *Writer) flushUserBlock() error {
	blk, err := w.userPacker.flush()
	if err != nil {
		return err
	}
	if blk == nil {
		return nil
	}
	w.userBlocksWritten++
	return w.writeDataBlockAt(blk)
}

// appendIndexEntry accumulates IndexEntry records as blocks are written, in
// file order, so Close can write them verbatim as the trailing index.
func (w *Writer) appendIndexEntry(e IndexEntry) {
	w.index = append(w.index, e)
}

func (w *Writer) writeDataBlockAt(blk *packedBlock) error {
	off := w.position
	hdrBytes := blk.Header.encode()
	if _, err := w.f.Write(hdrBytes); err != nil {
		return errors.Wrap(err, "aaruformat: write data block header")
	}
	if len(blk.Properties) > 0 {
		if _, err := w.f.Write(blk.Properties); err != nil {
			return errors.Wrap(err, "aaruformat: write data block properties")
		}
	}
	if _, err := w.f.Write(blk.Payload); err != nil {
		return errors.Wrap(err, "aaruformat: write data block payload")
	}
	w.position = off + int64(dataBlockHeaderSize) + int64(len(blk.Properties)) + int64(len(blk.Payload))
	w.appendIndexEntry(IndexEntry{BlockType: BlockTypeDataBlock, DataType: blk.Header.DataType, Offset: off})
	return nil
}

// WriteSectors splits data into n equal sectors and writes each in turn.
func (w *Writer) WriteSectors(data []byte, address uint64, n uint64) error {
	if n == 0 {
		return nil
	}
	if uint64(len(data))%n != 0 {
		return errors.Wrap(ErrWrongSize, "aaruformat: WriteSectors length not divisible by n")
	}
	size := uint64(len(data)) / n
	for i := uint64(0); i < n; i++ {
		if err := w.WriteSector(data[i*size:(i+1)*size], address+i); err != nil {
			return err
		}
	}
	return nil
}

// appleLongSectorDataType returns the Apple/Priam DataType whose tag size
// matches a long sector of this total length, or false if it matches none
// of the three (in which case the caller falls through to the CD path).
func appleLongSectorDataType(length int) (DataType, bool) {
	for _, dt := range []DataType{DataTypeAppleProfileTag, DataTypeAppleSonyTag, DataTypePriamDataTowerTag} {
		if length == appleLongSectorUserDataLength+dt.sectorSliceSize() {
			return dt, true
		}
	}
	return 0, false
}

// WriteSectorLong writes a raw long sector, dispatching on data length
// (WriteSectorLong). A 2352-byte sector is CD data, split per TrackType
// through the CD splitter; a 524/532/536-byte sector is Apple Profile/Sony or
// Priam Data Tower data, whose trailing 12/20/24-byte tag is split off into
// its own dense per-sector stream.
func (w *Writer) WriteSectorLong(data []byte, address uint64, track TrackType) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}

	if dt, ok := appleLongSectorDataType(len(data)); ok {
		return w.writeAppleTagSector(data, address, dt)
	}

	if w.cd == nil {
		return errors.Wrap(ErrTrackNotFound, "aaruformat: WriteSectorLong on non-optical media")
	}
	if len(data) != cdSectorLength {
		return errors.Wrapf(ErrWrongSize, "cd long sector must be %d bytes, got %d", cdSectorLength, len(data))
	}
	if address >= w.opts.Sectors {
		return sectorAddressError(ErrOutOfRange, "WriteSectorLong", address)
	}
	if len(w.tracks) > 0 && !w.sectorInAnyTrack(address) {
		return sectorAddressError(ErrTrackNotFound, "WriteSectorLong", address)
	}

	var userData []byte
	var err error
	switch {
	case track == TrackCdMode1:
		w.cdDirty = true
		userData, err = w.cd.splitMode1(address, data)
	case track.IsCdMode2():
		w.cdDirty = true
		userData, err = w.cd.splitMode2(address, data)
	default:
		// Audio and plain data tracks have no reconstructable structure;
		// the raw sector goes to the packer unchanged.
		userData = data
	}
	if err != nil {
		return err
	}
	return w.WriteSector(userData, address)
}

// writeAppleTagSector splits an Apple Profile/Sony or Priam Data Tower long
// sector into its 512-byte user-data portion (written through the normal
// sector path) and its fixed-width tag (stashed in a dense per-sector
// stream, emitted as its own DataBlock at Close). An image may only use one
// of the three tag layouts at a time.
func (w *Writer) writeAppleTagSector(data []byte, address uint64, dt DataType) error {
	if w.appleTag == nil {
		w.appleTagType = dt
		w.appleTag = newDenseStream(int(w.opts.Sectors), dt.sectorSliceSize())
	} else if w.appleTagType != dt {
		return errors.Wrapf(ErrWrongSize, "aaruformat: long sector tag format changed mid-image (was %d, got %d)", w.appleTagType, dt)
	}
	w.appleDirty = true
	w.appleTag.set(address, data[appleLongSectorUserDataLength:])
	return w.WriteSector(data[:appleLongSectorUserDataLength], address)
}

// WriteSectorTag stores a per-sector/per-track tag.
func (w *Writer) WriteSectorTag(data []byte, address uint64, kind SectorTagKind) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	switch kind {
	case SectorTagCdTrackFlags, SectorTagCdTrackIsrc:
		if w.trackTags == nil {
			w.trackTags = make(map[SectorTagKind]map[uint64][]byte)
		}
		if w.trackTags[kind] == nil {
			w.trackTags[kind] = make(map[uint64][]byte)
		}
		w.trackTags[kind][address] = append([]byte(nil), data...)
		w.tracksDirty = true
	case SectorTagCdSectorSubchannel:
		if len(data) != 96 {
			return errors.Wrap(ErrWrongSize, "aaruformat: cd subchannel record must be 96 bytes")
		}
		if w.subchannel == nil {
			w.subchannel = newDenseStream(int(w.opts.Sectors), 96)
		}
		w.subchannel.set(address, data)
		w.subchannelDirty = true
	default:
		return errors.Wrap(ErrNotSupported, "aaruformat: unknown sector tag kind")
	}
	return nil
}

// SetTracks / SetGeometry / SetMetadata / SetDumpHardware / SetCicmMetadata:
// structural setters, rejecting when the media type disallows them.
func (w *Writer) SetTracks(tracks []Track) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	if !w.opts.MediaType.IsOptical() {
		return ErrNotSupported
	}
	w.tracks = tracks
	w.tracksDirty = true
	return nil
}

func (w *Writer) SetGeometry(g Geometry) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	w.geometry = &g
	w.geometryDirty = true
	return nil
}

func (w *Writer) SetMetadata(m Metadata) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	w.metadata = m
	w.metadataDirty = true
	return nil
}

func (w *Writer) SetDumpHardware(entries []DumpHardwareEntry) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	w.dumpHardware = entries
	w.dumpHwDirty = true
	return nil
}

func (w *Writer) SetCicmMetadata(xml []byte) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	w.cicm = append([]byte(nil), xml...)
	w.cicmDirty = true
	return nil
}

func (w *Writer) SetTapePartitions(parts []TapePartition) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	if !w.opts.MediaType.IsTape() {
		return ErrNotSupported
	}
	w.tapePartitions = parts
	w.tapePartsDirty = true
	return nil
}

func (w *Writer) SetTapeFiles(files []TapeFile) error {
	if w.state != stateWriting {
		return ErrNotWriting
	}
	if !w.opts.MediaType.IsTape() {
		return ErrNotSupported
	}
	w.tapeFiles = files
	w.tapeFilesDirty = true
	return nil
}

// writeTagBlock packs a media tag or CD side-stream payload through LZMA
// unless the compressed form is not smaller, matching the packer's own
// demotion rule (Close emits "each LZMA-compressed unless incompressible, in
// which case None"; the same demotion rule covers the CD prefix/suffix/
// subheader/subchannel DataBlocks since they carry real DataTypes and must
// round-trip through the same CRC-validated DataBlockHeader path a reader
// uses for every other DataBlock).
func (w *Writer) writeTagBlock(dataType DataType, payload []byte) error {
	w.supersedeIndexEntry(BlockTypeDataBlock, dataType)
	enc, err := codec.NewLZMAEncoder(w.opts.Dictionary)
	if err != nil {
		return errors.Wrap(ErrEncoderFailure, err.Error())
	}
	if _, err := enc.Write(payload); err != nil {
		return errors.Wrap(ErrEncoderFailure, err.Error())
	}
	props := enc.Properties()
	compressed, err := enc.Close()
	if err != nil {
		return errors.Wrap(ErrEncoderFailure, err.Error())
	}

	compression := CompressionLzma
	if uint64(len(props)+len(compressed)) >= uint64(len(payload)) {
		compression = CompressionNone
		props = nil
		compressed = nil
	}

	crc := codec.NewCrc64ECMA()
	_, _ = crc.Write(payload)
	dataCrc := crc.Sum64()

	var cmpCrc uint64
	var cmpLen uint64
	var payloadOut []byte
	if compression == CompressionNone {
		payloadOut = payload
		cmpCrc = dataCrc
		cmpLen = uint64(len(payload))
	} else {
		cmpHash := codec.NewCrc64ECMA()
		_, _ = cmpHash.Write(props)
		_, _ = cmpHash.Write(compressed)
		cmpCrc = cmpHash.Sum64()
		cmpLen = uint64(len(props)) + uint64(len(compressed))
		payloadOut = compressed
	}

	blk := &packedBlock{
		Header: DataBlockHeader{
			Identifier:  BlockTypeDataBlock,
			DataType:    dataType,
			Compression: compression,
			SectorSize:  uint32(len(payload)),
			Length:      uint64(len(payload)),
			CmpLength:   cmpLen,
			Crc64:       dataCrc,
			CmpCrc64:    cmpCrc,
		},
		Properties: props,
		Payload:    payloadOut,
	}
	return w.writeDataBlockAt(blk)
}

// checksumNameWidth is the fixed len+1 field width for a digest's algorithm
// name in a ChecksumBlock record (Close: "emit ... checksum ... block").
const checksumNameWidth = 16

// writeChecksumBlock emits the whole-image running digests gathered since
// Create as one fixed-layout ChecksumBlock record per enabled algorithm, in
// a fixed name order so append's "invalidate any prior ChecksumBlock entry"
// rule (step 5) always supersedes a complete, deterministic block.
func (w *Writer) writeChecksumBlock() error {
	order := []string{"md5", "sha1", "sha256", "spamsum"}
	buf := newLeWriter(0)
	for _, name := range order {
		d, ok := w.digests[name]
		if !ok {
			continue
		}
		sum := d.Finalize()
		buf.writeNulString(name, checksumNameWidth)
		buf.writeU32(uint32(len(sum)))
		buf.writeBytes(sum)
	}
	return w.writeFixedBlock(BlockTypeChecksumBlock, buf.bytes())
}

// spillDDT pre-allocates d's current packed form on disk as an uncompressed
// DeDuplicationTable block once it crosses the configured in-memory budget,
// then hands the payload region to d.beginSpill so every subsequent set()
// mirrors straight to disk instead of only growing the in-memory copy
// ("pre-allocated on disk as an uncompressed DDT block and updated
// entry-by-entry via random writes to its payload region"). Close always
// supersedes this placeholder's index entry with a freshly packed copy at
// the tail.
func (w *Writer) spillDDT(d *ddt) error {
	payload := d.pack()
	off := w.position
	hdr := DDTHeader{
		Identifier:  BlockTypeDeDuplicationTable,
		Type:        d.dataType,
		Compression: CompressionNone,
		Shift:       d.shift,
		Entries:     uint32(len(payload) / d.entrySize),
		Length:      uint64(len(payload)),
		CmpLength:   uint64(len(payload)),
	}
	crc := codec.NewCrc64ECMA()
	_, _ = crc.Write(payload)
	hdr.Crc64 = crc.Sum64()
	hdr.CmpCrc64 = hdr.Crc64

	if _, err := w.f.Write(hdr.encode()); err != nil {
		return errors.Wrap(err, "aaruformat: write ddt spill placeholder header")
	}
	if _, err := w.f.Write(payload); err != nil {
		return errors.Wrap(err, "aaruformat: write ddt spill placeholder payload")
	}
	payloadBase := off + int64(ddtHeaderSize)
	w.position = payloadBase + int64(len(payload))
	w.appendIndexEntry(IndexEntry{BlockType: BlockTypeDeDuplicationTable, DataType: d.dataType, Offset: off})
	d.beginSpill(w.f, payloadBase)
	w.ddtDirty = true
	return nil
}

// supersedeIndexEntry drops any existing index entry for blockType/dataType,
// replacing a DDT spill placeholder ("the on-disk placeholder is superseded
// in the index") ahead of the fresh tail copy writeDDTBlock is about to
// append.
func (w *Writer) supersedeIndexEntry(blockType BlockType, dataType DataType) {
	kept := w.index[:0]
	for _, e := range w.index {
		if e.BlockType == blockType && e.DataType == dataType {
			continue
		}
		kept = append(kept, e)
	}
	w.index = kept
}

// writeDDTBlock packs d and appends it as a DeDuplicationTable block at the
// tail, LZMA-compressed unless the compressed form is not smaller. Any
// existing index entry for the same DataType (a spill placeholder, or a copy
// carried over by Append) is superseded first.
func (w *Writer) writeDDTBlock(d *ddt) error {
	if d == nil {
		return nil
	}
	w.supersedeIndexEntry(BlockTypeDeDuplicationTable, d.dataType)

	payload := d.pack()
	crc := codec.NewCrc64ECMA()
	_, _ = crc.Write(payload)
	dataCrc := crc.Sum64()

	enc, err := codec.NewLZMAEncoder(w.opts.Dictionary)
	if err != nil {
		return errors.Wrap(ErrEncoderFailure, err.Error())
	}
	if _, err := enc.Write(payload); err != nil {
		return errors.Wrap(ErrEncoderFailure, err.Error())
	}
	props := enc.Properties()
	compressed, err := enc.Close()
	if err != nil {
		return errors.Wrap(ErrEncoderFailure, err.Error())
	}

	compression := CompressionLzma
	if uint64(len(props)+len(compressed)) >= uint64(len(payload)) {
		compression = CompressionNone
		props = nil
		compressed = nil
	}

	hdr := DDTHeader{
		Identifier:  BlockTypeDeDuplicationTable,
		Type:        d.dataType,
		Compression: compression,
		Shift:       d.shift,
		Entries:     uint32(len(payload) / d.entrySize),
		Length:      uint64(len(payload)),
		Crc64:       dataCrc,
	}

	var out []byte
	if compression == CompressionNone {
		hdr.CmpLength = uint64(len(payload))
		hdr.CmpCrc64 = dataCrc
		out = payload
	} else {
		cmpHash := codec.NewCrc64ECMA()
		_, _ = cmpHash.Write(props)
		_, _ = cmpHash.Write(compressed)
		hdr.CmpLength = uint64(len(props)) + uint64(len(compressed))
		hdr.CmpCrc64 = cmpHash.Sum64()
	}

	off := w.position
	if _, err := w.f.Write(hdr.encode()); err != nil {
		return errors.Wrap(err, "aaruformat: write ddt header")
	}
	if compression == CompressionLzma {
		if _, err := w.f.Write(props); err != nil {
			return errors.Wrap(err, "aaruformat: write ddt properties")
		}
		out = compressed
	}
	if _, err := w.f.Write(out); err != nil {
		return errors.Wrap(err, "aaruformat: write ddt payload")
	}
	w.position = off + int64(ddtHeaderSize) + int64(hdr.CmpLength)
	w.appendIndexEntry(IndexEntry{BlockType: BlockTypeDeDuplicationTable, DataType: d.dataType, Offset: off})
	return nil
}

// Close flushes the open block, emits every side-channel and metadata
// block, writes the index, and rewrites the header as the commit point
// (Close sequencing, "Close is a barrier").
func (w *Writer) Close() (CloseStats, error) {
	if w.state != stateWriting {
		return CloseStats{}, ErrClosed
	}

	if err := w.flushUserBlock(); err != nil {
		return CloseStats{}, err
	}

	stats := CloseStats{
		TotalSectorsWritten:   w.totalSectorsWritten,
		DeduplicatedSectors:   w.dedupedSectors,
		UserDataBlocksWritten: w.userBlocksWritten,
	}
	w.log.Info("aaruformat: closing image", "dedup_ratio", stats.DedupRatio())

	writtenTagTypes := make(map[DataType]bool, len(w.tags))
	for tag, payload := range w.tags {
		dt := tagDataType(tag)
		if err := w.writeTagBlock(dt, payload); err != nil {
			return stats, err
		}
		writtenTagTypes[dt] = true
	}
	for dt, payload := range w.carriedMediaTags {
		if writtenTagTypes[dt] || w.hasIndexEntry(BlockTypeDataBlock, dt) {
			continue
		}
		if err := w.writeTagBlock(dt, payload); err != nil {
			return stats, err
		}
	}

	if w.geometry != nil && (w.geometryDirty || !w.hasIndexEntry(BlockTypeGeometryBlock, 0)) {
		if err := w.writeFixedBlock(BlockTypeGeometryBlock, encodeGeometry(*w.geometry)); err != nil {
			return stats, err
		}
	}
	if len(w.dumpHardware) > 0 && (w.dumpHwDirty || !w.hasIndexEntry(BlockTypeDumpHardwareBlock, 0)) {
		if err := w.writeFixedBlock(BlockTypeDumpHardwareBlock, encodeDumpHardware(w.dumpHardware)); err != nil {
			return stats, err
		}
	}
	if len(w.cicm) > 0 && (w.cicmDirty || !w.hasIndexEntry(BlockTypeCicmBlock, 0)) {
		if err := w.writeFixedBlock(BlockTypeCicmBlock, w.cicm); err != nil {
			return stats, err
		}
	}
	if w.digestsEnabled && !w.rewound {
		if err := w.writeChecksumBlock(); err != nil {
			return stats, err
		}
	}
	if len(w.tapePartitions) > 0 && (w.tapePartsDirty || !w.hasIndexEntry(BlockTypeTapePartitionBlock, 0)) {
		if err := w.writeFixedBlock(BlockTypeTapePartitionBlock, encodeTapePartitions(w.tapePartitions)); err != nil {
			return stats, err
		}
	}
	if len(w.tapeFiles) > 0 && (w.tapeFilesDirty || !w.hasIndexEntry(BlockTypeTapeFileBlock, 0)) {
		if err := w.writeFixedBlock(BlockTypeTapeFileBlock, encodeTapeFiles(w.tapeFiles)); err != nil {
			return stats, err
		}
	}

	if w.ddtDirty || !w.hasIndexEntry(BlockTypeDeDuplicationTable, w.userDDT.dataType) {
		if err := w.writeDDTBlock(w.userDDT); err != nil {
			return stats, err
		}
	}
	if w.cd != nil && (w.cdDirty || !w.hasIndexEntry(BlockTypeDeDuplicationTable, DataTypeCdSectorPrefixCorrected)) {
		if err := w.writeDDTBlock(w.cd.prefixDDT); err != nil {
			return stats, err
		}
		if err := w.writeDDTBlock(w.cd.suffixDDT); err != nil {
			return stats, err
		}
		if err := w.writeTagBlock(DataTypeCdSectorPrefix, w.cd.prefixAux.pack()); err != nil {
			return stats, err
		}
		if err := w.writeTagBlock(DataTypeCdSectorSuffix, w.cd.suffixAux.pack()); err != nil {
			return stats, err
		}
		if err := w.writeTagBlock(DataTypeMode2Subheader, w.cd.subheader.buf); err != nil {
			return stats, err
		}
	}
	if w.subchannel != nil && (w.subchannelDirty || !w.hasIndexEntry(BlockTypeDataBlock, DataTypeCdSectorSubchannel)) {
		if err := w.writeTagBlock(DataTypeCdSectorSubchannel, w.subchannel.buf); err != nil {
			return stats, err
		}
	}
	if w.appleTag != nil && (w.appleDirty || !w.hasIndexEntry(BlockTypeDataBlock, w.appleTagType)) {
		if err := w.writeTagBlock(w.appleTagType, w.appleTag.buf); err != nil {
			return stats, err
		}
	}

	if len(w.tracks) > 0 && (w.tracksDirty || !w.hasIndexEntry(BlockTypeTracksBlock, 0)) {
		if err := w.writeFixedBlock(BlockTypeTracksBlock, encodeTracks(w.mergedTracks())); err != nil {
			return stats, err
		}
	}

	if w.metadataDirty || !w.hasIndexEntry(BlockTypeMetadataBlock, 0) {
		if err := w.writeFixedBlock(BlockTypeMetadataBlock, encodeMetadata(w.metadata)); err != nil {
			return stats, err
		}
	}

	indexOffset := w.position
	if err := w.writeIndex(); err != nil {
		return stats, err
	}

	// An appending session can shrink the tail (a dropped ChecksumBlock, a
	// smaller rewritten index); cut the file at the index's end so no stale
	// bytes trail it.
	if err := w.f.Truncate(w.position); err != nil {
		return stats, errors.Wrap(err, "aaruformat: truncate backing file")
	}

	now := time.Now()
	w.header.LastWrittenTime = unixToFiletime(now.Unix(), int64(now.Nanosecond()))
	w.header.IndexOffset = indexOffset
	if _, err := w.f.WriteAt(w.header.encode(), 0); err != nil {
		return stats, errors.Wrap(err, "aaruformat: rewrite header")
	}

	if err := w.f.Sync(); err != nil {
		return stats, errors.Wrap(err, "aaruformat: sync backing file")
	}
	if err := w.f.Close(); err != nil {
		return stats, errors.Wrap(err, "aaruformat: close backing file")
	}

	w.state = stateClosed
	return stats, nil
}

// writeFixedBlock writes an uncompressed fixed-layout block (geometry,
// dump-hardware, CICM, checksums, tape partitions/files, tracks, metadata)
// directly, with no DataBlockHeader wrapper since these block kinds are not
// DataType-discriminated DataBlocks. Each of these kinds is a singleton per
// image, so any index entry carried over from a prior Close is superseded.
func (w *Writer) writeFixedBlock(kind BlockType, payload []byte) error {
	w.supersedeIndexEntry(kind, 0)
	crc := codec.NewCrc64ECMA()
	_, _ = crc.Write(payload)
	hdr := fixedBlockHeader{Identifier: kind, Length: uint32(len(payload)), Crc64: crc.Sum64()}

	off := w.position
	if _, err := w.f.Write(hdr.encode()); err != nil {
		return errors.Wrapf(err, "aaruformat: write %v block header", kind)
	}
	if _, err := w.f.Write(payload); err != nil {
		return errors.Wrapf(err, "aaruformat: write %v block", kind)
	}
	w.position = off + int64(fixedBlockHeaderSize) + int64(len(payload))
	w.appendIndexEntry(IndexEntry{BlockType: kind, Offset: off})
	return nil
}

// hasIndexEntry reports whether the index already holds an entry for
// blockType/dataType — a block carried over intact from the image this
// writer was appended onto.
func (w *Writer) hasIndexEntry(blockType BlockType, dataType DataType) bool {
	for _, e := range w.index {
		if e.BlockType == blockType && e.DataType == dataType {
			return true
		}
	}
	return false
}

// mergedTracks returns the declared track list with the per-track flags and
// ISRC values collected through WriteSectorTag folded into their records.
func (w *Writer) mergedTracks() []Track {
	tracks := make([]Track, len(w.tracks))
	copy(tracks, w.tracks)
	for i := range tracks {
		seq := uint64(tracks[i].Sequence)
		if flags, ok := w.trackTags[SectorTagCdTrackFlags][seq]; ok && len(flags) > 0 {
			tracks[i].Flags = flags[0]
		}
		if isrc, ok := w.trackTags[SectorTagCdTrackIsrc][seq]; ok {
			tracks[i].ISRC = string(isrc)
		}
	}
	return tracks
}

func (w *Writer) writeIndex() error {
	ih := IndexHeader{Identifier: BlockTypeIndex, Entries: uint32(len(w.index))}
	buf := newLeWriter(0)
	for _, e := range w.index {
		buf.writeBytes(e.encode())
	}
	crc := codec.NewCrc64ECMA()
	_, _ = crc.Write(buf.bytes())
	ih.Crc64 = crc.Sum64()

	if _, err := w.f.Write(ih.encode()); err != nil {
		return errors.Wrap(err, "aaruformat: write index header")
	}
	if _, err := w.f.Write(buf.bytes()); err != nil {
		return errors.Wrap(err, "aaruformat: write index entries")
	}
	w.position += int64(indexHeaderSize) + int64(len(buf.bytes()))
	return nil
}
