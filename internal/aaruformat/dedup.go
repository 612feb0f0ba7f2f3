package aaruformat

import "aarufmt/internal/aaruformat/codec"

// dedupStore is the content-addressed sector map: sector bytes hash to an
// existing DDT entry when one is already known, so repeated content
// contributes nothing further to file size. Grounded on a dedup writer's
// map[[hasher.Size]byte]int "known hashes and their index" field,
// generalized from a fixed SHA-1 block index to a caller-supplied digest
// and an arbitrary packed DDT entry value.
type dedupStore struct {
	enabled bool
	digest  func() codec.Digest
	known   map[string]uint64
}

func newDedupStore(enabled bool, digest func() codec.Digest) *dedupStore {
	return &dedupStore{
		enabled: enabled,
		digest:  digest,
		known:   make(map[string]uint64),
	}
}

// isAllZero reports whether every byte of p is zero. All-zero sectors are
// always deduplicated regardless of the enabled flag (boundary
// cases).
func isAllZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// lookup hashes sector if hashing policy requires it (enabled, or the sector
// is all-zero) and returns the existing DDT entry for that content, if any.
// When hashing is skipped (dedup disabled and the sector not all-zero), ok
// is always false and key is empty: the sector is unconditionally written
// and record ignores it.
func (s *dedupStore) lookup(sector []byte) (entry uint64, key string, shouldHash bool, ok bool) {
	if !s.enabled && !isAllZero(sector) {
		return 0, "", false, false
	}
	d := s.digest()
	_, _ = d.Write(sector)
	key = string(d.Finalize())
	entry, ok = s.known[key]
	return entry, key, true, ok
}

// record stores the DDT entry newly assigned to the content identified by
// key, so subsequent identical sectors hit in lookup.
func (s *dedupStore) record(key string, entry uint64) {
	if key == "" {
		return
	}
	s.known[key] = entry
}
