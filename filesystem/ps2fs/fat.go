package ps2fs

import (
	"encoding/binary"
	"fmt"

	"github.com/tunederuz/go-ps2mca/card"
)

const (
	// fatChainEnd terminates every cluster chain.
	fatChainEnd = 0xffffffff
	// fatEntryMask strips the validity marker from an entry, leaving the
	// next relative cluster.
	fatEntryMask = 0x7fffffff
	// clusterWords is how many table entries one cluster holds, at both
	// indirection levels.
	clusterWords = 256
)

// fatPosition decomposes a relative cluster index into its coordinates in
// the two-level table: the slot within the FAT cluster, the slot within the
// indirect cluster, and the IFC list index.
func fatPosition(index uint32) (fatOffset, indirectOffset, dblIndirectIdx uint32) {
	fatOffset = index % clusterWords
	indirectIndex := index / clusterWords
	indirectOffset = indirectIndex % clusterWords
	dblIndirectIdx = indirectIndex / clusterWords
	return fatOffset, indirectOffset, dblIndirectIdx
}

// fatEntry resolves the table entry for a relative cluster index. The
// clusters named by the IFC list and by the indirect level are absolute;
// they are not shifted by the allocation offset.
func (f *FileSystem) fatEntry(index uint32) (uint32, error) {
	fatOffset, indirectOffset, dblIndirectIdx := fatPosition(index)
	if int(dblIndirectIdx) >= len(f.sb.IFCList) {
		return 0, fmt.Errorf("%w: cluster index %d beyond the IFC list", card.ErrInvalidArgument, index)
	}
	indirect, err := f.clusterWords(f.sb.IFCList[dblIndirectIdx])
	if err != nil {
		return 0, fmt.Errorf("indirect FAT cluster for index %d: %w", index, err)
	}
	fat, err := f.clusterWords(indirect[indirectOffset])
	if err != nil {
		return 0, fmt.Errorf("FAT cluster for index %d: %w", index, err)
	}
	return fat[fatOffset], nil
}

// clusterWords reads an absolute cluster and decodes it as table entries.
func (f *FileSystem) clusterWords(abs uint32) ([]uint32, error) {
	b, err := f.c.ReadCluster(abs, false)
	if err != nil {
		return nil, err
	}
	if len(b) < clusterWords*4 {
		return nil, fmt.Errorf("cluster %d is %d bytes, want %d", abs, len(b), clusterWords*4)
	}
	words := make([]uint32, clusterWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return words, nil
}

// chain collects the absolute clusters of the chain headed by the given
// relative cluster. A chain longer than the card has clusters means a table
// cycle; it fails instead of looping.
func (f *FileSystem) chain(rel uint32) ([]uint32, error) {
	var clusters []uint32
	for {
		if uint32(len(clusters)) >= f.sb.ClustersPerCard {
			return nil, fmt.Errorf("cluster chain from %d does not terminate", rel)
		}
		clusters = append(clusters, f.sb.AllocOffset+rel)
		entry, err := f.fatEntry(rel)
		if err != nil {
			return nil, err
		}
		if entry == fatChainEnd {
			return clusters, nil
		}
		rel = entry & fatEntryMask
	}
}
