package card

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

// rawTestSuperblock builds header bytes with non-zero reserved regions, so
// round-trip tests prove those survive.
func rawTestSuperblock() []byte {
	b := make([]byte, SuperblockSize)
	copy(b[0x00:], "Sony PS2 Memory Card Format ")
	copy(b[0x1c:], "1.2.0.0")
	binary.LittleEndian.PutUint16(b[0x28:], 512)  // page length
	binary.LittleEndian.PutUint16(b[0x2a:], 2)    // pages per cluster
	binary.LittleEndian.PutUint16(b[0x2c:], 16)   // pages per block
	binary.LittleEndian.PutUint16(b[0x2e:], 0xff00)
	binary.LittleEndian.PutUint32(b[0x30:], 8192) // clusters per card
	binary.LittleEndian.PutUint32(b[0x34:], 41)   // alloc offset
	binary.LittleEndian.PutUint32(b[0x38:], 8135) // alloc end
	binary.LittleEndian.PutUint32(b[0x3c:], 0)    // root directory cluster
	binary.LittleEndian.PutUint32(b[0x40:], 1023)
	binary.LittleEndian.PutUint32(b[0x44:], 1022)
	b[0x48] = 0xde // reserved region
	b[0x4f] = 0xad
	binary.LittleEndian.PutUint32(b[0x50:], 8) // ifc_list[0]
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint32(b[0xd0+i*4:], 0xffffffff)
	}
	b[0x150] = 2
	b[0x151] = 0x52
	b[0x152] = 0x5a // reserved tail
	return b
}

func TestParseSuperblock(t *testing.T) {
	sb, err := ParseSuperblock(rawTestSuperblock())
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !sb.Formatted() {
		t.Fatal("card should be formatted")
	}
	if sb.Version != "1.2.0.0" {
		t.Fatalf("version %q, want 1.2.0.0", sb.Version)
	}
	if sb.PageLen != 512 || sb.PagesPerCluster != 2 || sb.PagesPerBlock != 16 {
		t.Fatalf("geometry %d/%d/%d", sb.PageLen, sb.PagesPerCluster, sb.PagesPerBlock)
	}
	if sb.ClustersPerCard != 8192 || sb.AllocOffset != 41 || sb.AllocEnd != 8135 {
		t.Fatalf("allocation %d/%d/%d", sb.ClustersPerCard, sb.AllocOffset, sb.AllocEnd)
	}
	if sb.IFCList[0] != 8 || sb.IFCList[1] != 0 {
		t.Fatalf("ifc list %v", sb.IFCList[:2])
	}
	if sb.BadBlockList[0] != 0xffffffff {
		t.Fatalf("bad block list %#x", sb.BadBlockList[0])
	}
	if sb.CardType != 2 || sb.CardFlags != 0x52 {
		t.Fatalf("type/flags %d/%#02x", sb.CardType, sb.CardFlags)
	}
	if sb.ClusterSize() != 1024 {
		t.Fatalf("cluster size %d", sb.ClusterSize())
	}
	if sb.AbsoluteRootCluster() != 41 {
		t.Fatalf("absolute root %d", sb.AbsoluteRootCluster())
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	raw := rawTestSuperblock()
	sb, err := ParseSuperblock(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !bytes.Equal(sb.ToBytes(), raw) {
		t.Fatal("serialization is not byte-identical to the input")
	}

	again, err := ParseSuperblock(sb.ToBytes())
	if err != nil {
		t.Fatalf("reparse error: %v", err)
	}
	if diff := deep.Equal(sb, again); diff != nil {
		t.Fatalf("reparse differs: %v", diff)
	}
}

func TestSuperblockFeatures(t *testing.T) {
	raw := rawTestSuperblock()
	raw[0x151] = 0x11 // ECC + erase-zeroes
	sb, err := ParseSuperblock(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	feat := sb.Features()
	if !feat.ECC || feat.BadBlocks || !feat.EraseZeroes {
		t.Fatalf("features %+v", feat)
	}
	if feat.ErasedByte() != 0x00 {
		t.Fatalf("erased byte %#02x, want 0x00", feat.ErasedByte())
	}
	if sb.SparePageSize() != 528 {
		t.Fatalf("spare page size %d, want 528", sb.SparePageSize())
	}

	raw[0x151] = 0x08
	sb, _ = ParseSuperblock(raw)
	feat = sb.Features()
	if feat.ECC || !feat.BadBlocks || feat.EraseZeroes {
		t.Fatalf("features %+v", feat)
	}
	if feat.ErasedByte() != 0xff {
		t.Fatalf("erased byte %#02x, want 0xff", feat.ErasedByte())
	}
}

func TestSuperblockUnformatted(t *testing.T) {
	raw := rawTestSuperblock()
	copy(raw[0x00:0x1c], bytes.Repeat([]byte{0xff}, 28))
	sb, err := ParseSuperblock(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if sb.Formatted() {
		t.Fatal("garbage magic must not look formatted")
	}
	if err := sb.validate(); !errors.Is(err, ErrInvalidSuperblock) {
		t.Fatalf("validate error %v", err)
	}
}

func TestSuperblockBadAllocationWindow(t *testing.T) {
	raw := rawTestSuperblock()
	binary.LittleEndian.PutUint32(raw[0x38:], 9000) // alloc end past card
	sb, err := ParseSuperblock(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := sb.validate(); !errors.Is(err, ErrInvalidSuperblock) {
		t.Fatalf("validate error %v", err)
	}
}

func TestParseSuperblockShort(t *testing.T) {
	if _, err := ParseSuperblock(make([]byte, 100)); err == nil {
		t.Fatal("short input must fail")
	}
}
