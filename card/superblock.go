package card

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// SuperblockSize is the size of the header at the start of every card:
	// the first 340 bytes of pages 0 and 1 concatenated.
	SuperblockSize = 340
	// magicFormatted opens the superblock of every formatted card. The
	// trailing space is part of the 28-byte magic field.
	magicFormatted = "Sony PS2 Memory Card Format "
)

// Superblock is the fixed-layout card header describing geometry, the
// allocation window and the roots of the FAT indirection.
type Superblock struct {
	Magic           string
	Version         string
	PageLen         uint16
	PagesPerCluster uint16
	PagesPerBlock   uint16
	ClustersPerCard uint32
	AllocOffset     uint32
	AllocEnd        uint32
	RootdirCluster  uint32 // relative to AllocOffset
	BackupBlock1    uint32
	BackupBlock2    uint32
	IFCList         [32]uint32
	BadBlockList    [32]uint32 // 0xFFFFFFFF marks an unused slot
	CardType        byte
	CardFlags       byte

	// raw preserves the reserved regions so serializing a parsed
	// superblock reproduces the input byte for byte.
	raw [SuperblockSize]byte
}

// ParseSuperblock decodes the first 340 bytes of a card. It does not demand
// a valid magic: callers probing an unformatted card still get the field
// values as they sit on the flash.
func ParseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("superblock needs %d bytes, got %d", SuperblockSize, len(b))
	}
	sb := Superblock{
		Magic:           trimNul(b[0x00:0x1c]),
		Version:         trimNul(b[0x1c:0x28]),
		PageLen:         binary.LittleEndian.Uint16(b[0x28:0x2a]),
		PagesPerCluster: binary.LittleEndian.Uint16(b[0x2a:0x2c]),
		PagesPerBlock:   binary.LittleEndian.Uint16(b[0x2c:0x2e]),
		ClustersPerCard: binary.LittleEndian.Uint32(b[0x30:0x34]),
		AllocOffset:     binary.LittleEndian.Uint32(b[0x34:0x38]),
		AllocEnd:        binary.LittleEndian.Uint32(b[0x38:0x3c]),
		RootdirCluster:  binary.LittleEndian.Uint32(b[0x3c:0x40]),
		BackupBlock1:    binary.LittleEndian.Uint32(b[0x40:0x44]),
		BackupBlock2:    binary.LittleEndian.Uint32(b[0x44:0x48]),
		CardType:        b[0x150],
		CardFlags:       b[0x151],
	}
	for i := 0; i < 32; i++ {
		sb.IFCList[i] = binary.LittleEndian.Uint32(b[0x50+i*4 : 0x54+i*4])
		sb.BadBlockList[i] = binary.LittleEndian.Uint32(b[0xd0+i*4 : 0xd4+i*4])
	}
	copy(sb.raw[:], b[:SuperblockSize])
	return &sb, nil
}

// ToBytes serializes the superblock. Reserved regions come from the parsed
// input, so a parse/serialize round trip is byte-identical.
func (sb *Superblock) ToBytes() []byte {
	b := make([]byte, SuperblockSize)
	copy(b, sb.raw[:])
	copy(b[0x00:0x1c], sb.Magic)
	copy(b[0x1c:0x28], sb.Version)
	binary.LittleEndian.PutUint16(b[0x28:0x2a], sb.PageLen)
	binary.LittleEndian.PutUint16(b[0x2a:0x2c], sb.PagesPerCluster)
	binary.LittleEndian.PutUint16(b[0x2c:0x2e], sb.PagesPerBlock)
	binary.LittleEndian.PutUint32(b[0x30:0x34], sb.ClustersPerCard)
	binary.LittleEndian.PutUint32(b[0x34:0x38], sb.AllocOffset)
	binary.LittleEndian.PutUint32(b[0x38:0x3c], sb.AllocEnd)
	binary.LittleEndian.PutUint32(b[0x3c:0x40], sb.RootdirCluster)
	binary.LittleEndian.PutUint32(b[0x40:0x44], sb.BackupBlock1)
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.BackupBlock2)
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint32(b[0x50+i*4:0x54+i*4], sb.IFCList[i])
		binary.LittleEndian.PutUint32(b[0xd0+i*4:0xd4+i*4], sb.BadBlockList[i])
	}
	b[0x150] = sb.CardType
	b[0x151] = sb.CardFlags
	return b
}

// Formatted reports whether the magic identifies a formatted card.
func (sb *Superblock) Formatted() bool {
	return strings.HasPrefix(sb.Magic, magicFormatted)
}

// Features decodes the card flag bits.
func (sb *Superblock) Features() Features {
	return featuresFromFlags(sb.CardFlags)
}

// ClusterSize is the logical cluster size in bytes, spare areas excluded.
func (sb *Superblock) ClusterSize() int {
	return int(sb.PagesPerCluster) * int(sb.PageLen)
}

// SparePageSize is the physical page size including the spare area.
func (sb *Superblock) SparePageSize() int {
	return int(sb.PageLen) + sb.Features().EccSize()
}

// AbsoluteRootCluster converts the relative root directory cluster to an
// absolute cluster number.
func (sb *Superblock) AbsoluteRootCluster() uint32 {
	return sb.RootdirCluster + sb.AllocOffset
}

// validate checks the allocation window of a formatted card.
func (sb *Superblock) validate() error {
	if !sb.Formatted() {
		return fmt.Errorf("%w: magic %q", ErrInvalidSuperblock, sb.Magic)
	}
	if sb.AllocOffset > sb.AllocEnd || sb.AllocEnd > sb.ClustersPerCard {
		return fmt.Errorf("%w: allocation window [%d, %d] outside %d clusters",
			ErrInvalidSuperblock, sb.AllocOffset, sb.AllocEnd, sb.ClustersPerCard)
	}
	return nil
}

// String is a human-readable summary of the card the superblock describes.
func (sb *Superblock) String() string {
	var w strings.Builder
	fmt.Fprintf(&w, "magic: %q\n", sb.Magic)
	fmt.Fprintf(&w, "version: %s\n", sb.Version)
	fmt.Fprintf(&w, "page length: %d bytes (+%d spare)\n", sb.PageLen, sb.Features().EccSize())
	fmt.Fprintf(&w, "pages per cluster: %d (cluster size %d)\n", sb.PagesPerCluster, sb.ClusterSize())
	fmt.Fprintf(&w, "pages per block: %d\n", sb.PagesPerBlock)
	fmt.Fprintf(&w, "clusters: %d (allocatable %d..%d)\n", sb.ClustersPerCard, sb.AllocOffset, sb.AllocEnd)
	fmt.Fprintf(&w, "root directory cluster: %d (absolute %d)\n", sb.RootdirCluster, sb.AbsoluteRootCluster())
	size := int64(sb.ClustersPerCard) * int64(sb.PagesPerCluster) * int64(sb.SparePageSize())
	fmt.Fprintf(&w, "raw capacity: %.1f MB\n", float64(size)/(1024*1024))
	var bad []uint32
	for _, b := range sb.BadBlockList {
		if b != 0xffffffff {
			bad = append(bad, b)
		}
	}
	fmt.Fprintf(&w, "bad blocks: %d\n", len(bad))
	fmt.Fprintf(&w, "card type: %d, flags: %#02x", sb.CardType, sb.CardFlags)
	return w.String()
}

func trimNul(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
