package aaruformat

import (
	"encoding/json"
	"math/bits"
	"os"

	"github.com/pkg/errors"
)

// CreateOptions holds every recognized Create-time option (option
// table), JSON-tagged and defaulted/validated the way internal/config.Config
// is (Default then Validate, loaded over a zero value via json.Unmarshal).
type CreateOptions struct {
	MediaType  MediaType `json:"media_type"`
	Sectors    uint64    `json:"sectors"`
	SectorSize uint32    `json:"sector_size"`

	SectorsPerBlock uint32 `json:"sectors_per_block"`
	Dictionary      uint32 `json:"dictionary"`
	MaxDdtSizeMiB   uint32 `json:"max_ddt_size"`

	MD5     bool `json:"md5"`
	SHA1    bool `json:"sha1"`
	SHA256  bool `json:"sha256"`
	SpamSum bool `json:"spamsum"`

	Deduplicate bool `json:"deduplicate"`
	Compress    bool `json:"compress"`
}

// DefaultCreateOptions returns the option defaults.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		SectorsPerBlock: 4096,
		Dictionary:      1 << 25,
		MaxDdtSizeMiB:   256,
		Deduplicate:     true,
		Compress:        true,
	}
}

// LoadCreateOptions reads a JSON document over DefaultCreateOptions and
// validates the result, mirroring internal/config.Load(path).
func LoadCreateOptions(path string) (CreateOptions, error) {
	opts := DefaultCreateOptions()
	if path == "" {
		return opts, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrap(err, "aaruformat: read create options")
	}
	if err := json.Unmarshal(b, &opts); err != nil {
		return opts, errors.Wrap(err, "aaruformat: parse create options")
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate normalizes zero-valued fields back to their defaults and rejects
// combinations the writer cannot act on (shift derivation).
func (o *CreateOptions) Validate() error {
	if o.SectorsPerBlock == 0 {
		o.SectorsPerBlock = 4096
	}
	if bits.OnesCount32(o.SectorsPerBlock) != 1 {
		return errors.Errorf("aaruformat: sectors_per_block must be a power of two, got %d", o.SectorsPerBlock)
	}
	if o.Dictionary == 0 {
		o.Dictionary = 1 << 25
	}
	if o.MaxDdtSizeMiB == 0 {
		o.MaxDdtSizeMiB = 256
	}
	if o.SectorSize == 0 && !o.MediaType.IsOptical() {
		return errors.New("aaruformat: sector_size must be nonzero for non-optical media")
	}
	return nil
}

// shift returns log2(SectorsPerBlock), the DDT entry's intra-block index
// width.
func (o CreateOptions) shift() uint32 {
	return uint32(bits.TrailingZeros32(o.SectorsPerBlock))
}

// maxDdtBudgetBytes converts the MiB option into the byte budget ddt.exceedsBudget
// compares against ("configurable in-memory budget").
func (o CreateOptions) maxDdtBudgetBytes() int64 {
	return int64(o.MaxDdtSizeMiB) * 1024 * 1024
}
