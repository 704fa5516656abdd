// Package card exposes a single handle abstraction over PS2 memory cards,
// whether they sit behind the USB adaptor or in a flat image file. The
// filesystem layer and the bulk operations treat both uniformly.
package card

import (
	"github.com/tunederuz/go-ps2mca/adaptor"
)

// Specs is the card geometry, negotiated from the device or derived from an
// image's superblock.
type Specs = adaptor.Specs

// Card is the uniform handle. Implementations own the underlying transport
// and a lazily populated superblock cache; none of them is safe for
// concurrent use.
type Card interface {
	Open() error
	Close() error
	Specs() (Specs, error)
	Features() (Features, error)
	IsFormatted() (bool, error)
	ReadPage(n uint32) (data, spare []byte, err error)
	WritePage(n uint32, data, spare []byte) error
	ErasePage(n uint32) error
	// ReadCluster reads one logical cluster by absolute cluster number,
	// with the per-page spare bytes stripped unless includeSpare is set.
	ReadCluster(n uint32, includeSpare bool) ([]byte, error)
	Superblock() (*Superblock, error)
	// RootCluster is the root directory's first cluster, relative to the
	// allocation offset.
	RootCluster() (uint32, error)
}

// Card flag bits.
const (
	FlagUseECC      byte = 0x01
	FlagBadBlock    byte = 0x08
	FlagEraseZeroes byte = 0x10
)

// Features describes what the card flags advertise.
type Features struct {
	ECC         bool
	BadBlocks   bool
	EraseZeroes bool
}

func featuresFromFlags(f byte) Features {
	return Features{
		ECC:         f&FlagUseECC != 0,
		BadBlocks:   f&FlagBadBlock != 0,
		EraseZeroes: f&FlagEraseZeroes != 0,
	}
}

// ErasedByte is the value every bit of an erased page holds.
func (f Features) ErasedByte() byte {
	if f.EraseZeroes {
		return 0x00
	}
	return 0xff
}

// EccSize is the spare-area size of a physical page, 0 without ECC.
func (f Features) EccSize() int {
	if f.ECC {
		return 16
	}
	return 0
}
