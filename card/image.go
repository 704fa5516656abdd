package card

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// Image is a card handle backed by a flat .ps2 dump: physical pages laid
// out back to back, each one PageLen data bytes plus the spare area, no
// header or footer. Cards are small enough that the whole image lives in
// memory. Images with an .xz or .lz4 suffix are decompressed on open and
// treated as read-only.
type Image struct {
	path     string
	data     []byte
	writable bool
	modified bool

	// sb is the filesystem view, dropped on erase. geometry is the
	// snapshot taken on open; it survives an erase-all the way a physical
	// card's negotiated specs do, so a restore can still address pages.
	sb       *Superblock
	geometry *Superblock
}

// NewImage prepares a handle on an image file. Nothing is read until Open.
func NewImage(path string) *Image {
	return &Image{path: path}
}

// NewImageBytes wraps an in-memory dump, such as the output of Dump.
func NewImageBytes(data []byte) *Image {
	return &Image{data: data, writable: true}
}

func (im *Image) Open() error {
	if im.path != "" {
		f, err := os.Open(im.path)
		if err != nil {
			return fmt.Errorf("opening image: %w", err)
		}
		defer f.Close()

		var r io.Reader = f
		im.writable = true
		switch strings.ToLower(filepath.Ext(im.path)) {
		case ".xz":
			xr, err := xz.NewReader(f)
			if err != nil {
				return fmt.Errorf("opening xz image: %w", err)
			}
			r = xr
			im.writable = false
		case ".lz4":
			r = lz4.NewReader(f)
			im.writable = false
		}
		if im.data, err = io.ReadAll(r); err != nil {
			return fmt.Errorf("reading image: %w", err)
		}
	}
	if len(im.data) < SuperblockSize {
		return fmt.Errorf("%w: image is only %d bytes", ErrInvalidSuperblock, len(im.data))
	}
	sb, err := ParseSuperblock(im.data[:SuperblockSize])
	if err != nil {
		return err
	}
	im.geometry = sb
	im.sb = sb
	im.modified = false
	log.WithFields(log.Fields{"path": im.path, "size": len(im.data)}).Debug("image loaded")
	return nil
}

// Close writes modified pages back to the image file, when there is one.
func (im *Image) Close() error {
	if im.modified && im.path != "" && im.writable {
		if err := os.WriteFile(im.path, im.data, 0644); err != nil {
			return fmt.Errorf("saving image: %w", err)
		}
		im.modified = false
	}
	return nil
}

// Bytes returns the raw image contents.
func (im *Image) Bytes() []byte {
	return im.data
}

func (im *Image) opened() error {
	if im.geometry == nil {
		return fmt.Errorf("%w: image not opened", ErrInvalidArgument)
	}
	return nil
}

func (im *Image) Superblock() (*Superblock, error) {
	if err := im.opened(); err != nil {
		return nil, err
	}
	if im.sb == nil {
		sb, err := ParseSuperblock(im.data[:SuperblockSize])
		if err != nil {
			return nil, err
		}
		im.sb = sb
	}
	return im.sb, nil
}

func (im *Image) IsFormatted() (bool, error) {
	sb, err := im.Superblock()
	if err != nil {
		return false, err
	}
	return sb.Formatted(), nil
}

func (im *Image) Specs() (Specs, error) {
	if err := im.opened(); err != nil {
		return Specs{}, err
	}
	return Specs{
		CardSize:  im.geometry.ClustersPerCard * uint32(im.geometry.PagesPerCluster),
		BlockSize: im.geometry.PagesPerBlock,
		PageSize:  im.geometry.PageLen,
	}, nil
}

func (im *Image) Features() (Features, error) {
	if err := im.opened(); err != nil {
		return Features{}, err
	}
	return im.geometry.Features(), nil
}

func (im *Image) RootCluster() (uint32, error) {
	sb, err := im.Superblock()
	if err != nil {
		return 0, err
	}
	if err := sb.validate(); err != nil {
		return 0, err
	}
	return sb.RootdirCluster, nil
}

// pageOffset bounds-checks a page number and returns its byte offset.
func (im *Image) pageOffset(n uint32) (int, error) {
	if err := im.opened(); err != nil {
		return 0, err
	}
	off := int(n) * im.geometry.SparePageSize()
	if off+im.geometry.SparePageSize() > len(im.data) {
		return 0, fmt.Errorf("%w: page %d beyond image end", ErrInvalidArgument, n)
	}
	return off, nil
}

func (im *Image) ReadPage(n uint32) (data, spare []byte, err error) {
	off, err := im.pageOffset(n)
	if err != nil {
		return nil, nil, err
	}
	pageLen := int(im.geometry.PageLen)
	data = append([]byte{}, im.data[off:off+pageLen]...)
	spare = append([]byte{}, im.data[off+pageLen:off+im.geometry.SparePageSize()]...)
	return data, spare, nil
}

func (im *Image) WritePage(n uint32, data, spare []byte) error {
	off, err := im.pageOffset(n)
	if err != nil {
		return err
	}
	if !im.writable {
		return fmt.Errorf("%w: compressed images are read-only", ErrInvalidArgument)
	}
	if len(data) != int(im.geometry.PageLen) {
		return fmt.Errorf("%w: page %d data is %d bytes, want %d", ErrInvalidArgument, n, len(data), im.geometry.PageLen)
	}
	if len(spare) != im.geometry.Features().EccSize() {
		return fmt.Errorf("%w: page %d spare is %d bytes, want %d", ErrInvalidArgument, n, len(spare), im.geometry.Features().EccSize())
	}
	copy(im.data[off:], data)
	copy(im.data[off+int(im.geometry.PageLen):], spare)
	im.modified = true
	im.sb = nil
	return nil
}

// ErasePage fills the block containing page n with the erased byte value.
func (im *Image) ErasePage(n uint32) error {
	if _, err := im.pageOffset(n); err != nil {
		return err
	}
	if !im.writable {
		return fmt.Errorf("%w: compressed images are read-only", ErrInvalidArgument)
	}
	block := uint32(im.geometry.PagesPerBlock)
	if block == 0 {
		block = 1
	}
	pageSize := im.geometry.SparePageSize()
	erased := im.geometry.Features().ErasedByte()
	start := n - n%block
	for p := start; p < start+block; p++ {
		off := int(p) * pageSize
		if off+pageSize > len(im.data) {
			break
		}
		for i := off; i < off+pageSize; i++ {
			im.data[i] = erased
		}
	}
	im.modified = true
	im.sb = nil
	return nil
}

func (im *Image) ReadCluster(n uint32, includeSpare bool) ([]byte, error) {
	if err := im.opened(); err != nil {
		return nil, err
	}
	pages := int(im.geometry.PagesPerCluster)
	pageSize := im.geometry.SparePageSize()
	off := int(n) * pages * pageSize
	if off+pages*pageSize > len(im.data) {
		return nil, fmt.Errorf("%w: cluster %d beyond image end", ErrInvalidArgument, n)
	}
	raw := im.data[off : off+pages*pageSize]
	if includeSpare || im.geometry.Features().EccSize() == 0 {
		return append([]byte{}, raw...), nil
	}
	out := make([]byte, 0, im.geometry.ClusterSize())
	for p := 0; p < pages; p++ {
		out = append(out, raw[p*pageSize:p*pageSize+int(im.geometry.PageLen)]...)
	}
	return out, nil
}
