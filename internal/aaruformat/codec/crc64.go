package codec

import "hash/crc64"

// NewCrc64ECMA returns the CRC-64/ECMA-182 implementation the container uses
// for both structure and block checksums. No third-party CRC-64
// package appears anywhere in the retrieved example pack, and Go's standard
// library already tabulates the exact ECMA polynomial AaruFormat uses
// (crc64.ECMA), so reaching for a third-party implementation here would only
// reinvent stdlib — see DESIGN.md.
func NewCrc64ECMA() Crc64 {
	return &crc64Hasher{tab: crc64.MakeTable(crc64.ECMA)}
}

type crc64Hasher struct {
	tab *crc64.Table
	sum uint64
}

func (h *crc64Hasher) Write(p []byte) (int, error) {
	h.sum = crc64.Update(h.sum, h.tab, p)
	return len(p), nil
}

func (h *crc64Hasher) Sum64() uint64 { return h.sum }

func (h *crc64Hasher) Reset() { h.sum = 0 }
