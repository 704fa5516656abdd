// Package ps2fs interprets the on-card filesystem of a PS2 memory card
// through a card handle: superblock-described geometry, the double-indirect
// FAT and the two-entry directory clusters.
package ps2fs

import (
	"fmt"

	"github.com/tunederuz/go-ps2mca/card"
)

// FileSystem walks a formatted card. It holds the handle and the parsed
// superblock; all cluster arguments on its methods are relative to the
// allocation offset, the way directory entries store them.
type FileSystem struct {
	c  card.Card
	sb *card.Superblock
}

// New interprets the filesystem on an opened card handle.
func New(c card.Card) (*FileSystem, error) {
	sb, err := c.Superblock()
	if err != nil {
		return nil, err
	}
	if _, err := c.RootCluster(); err != nil {
		return nil, err
	}
	return &FileSystem{c: c, sb: sb}, nil
}

// Superblock returns the parsed card header.
func (f *FileSystem) Superblock() *card.Superblock {
	return f.sb
}

// RootCluster is the root directory's chain head, relative to the
// allocation offset.
func (f *FileSystem) RootCluster() uint32 {
	return f.sb.RootdirCluster
}

// ReadDir lists the directory whose chain starts at the given relative
// cluster. Each chain cluster carries two 512-byte entries. Placeholder
// entries are dropped; the parent link is renamed for display and
// suppressed entirely when listing the root itself.
func (f *FileSystem) ReadDir(rel uint32) ([]*DirEntry, error) {
	clusters, err := f.chain(rel)
	if err != nil {
		return nil, err
	}
	atRoot := rel == f.sb.RootdirCluster
	var entries []*DirEntry
	for _, abs := range clusters {
		b, err := f.c.ReadCluster(abs, false)
		if err != nil {
			return nil, fmt.Errorf("directory cluster %d: %w", abs, err)
		}
		for off := 0; off+DirEntrySize <= len(b); off += DirEntrySize {
			e := dirEntryFromBytes(b[off : off+DirEntrySize])
			if e == nil {
				continue
			}
			switch e.Name {
			case "..":
				// Placeholder, never shown.
				continue
			case ".":
				if atRoot {
					continue
				}
				e.Name = ParentDirectoryName
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}
