package card

import (
	"fmt"

	"github.com/tunederuz/go-ps2mca/adaptor"
)

// Device is a card handle backed by the USB adaptor. Open authenticates
// against the inserted card; every page operation goes through the
// adaptor's verified, cached page I/O.
type Device struct {
	a  *adaptor.Adaptor
	sb *Superblock
}

// NewDevice prepares a hardware handle. Nothing touches the bus until Open.
func NewDevice() *Device {
	return &Device{}
}

func (d *Device) Open() error {
	a, err := adaptor.Open()
	if err != nil {
		return err
	}
	d.a = a
	d.sb = nil
	return nil
}

func (d *Device) Close() error {
	if d.a == nil {
		return nil
	}
	err := d.a.Close()
	d.a = nil
	d.sb = nil
	return err
}

func (d *Device) opened() error {
	if d.a == nil {
		return fmt.Errorf("%w: device not opened", ErrInvalidArgument)
	}
	return nil
}

func (d *Device) Specs() (Specs, error) {
	if err := d.opened(); err != nil {
		return Specs{}, err
	}
	return d.a.Specs(), nil
}

func (d *Device) Features() (Features, error) {
	if err := d.opened(); err != nil {
		return Features{}, err
	}
	return featuresFromFlags(d.a.Flags()), nil
}

// Superblock reads the first 340 bytes of pages 0 and 1 and decodes them.
// The result is cached until an erase drops it.
func (d *Device) Superblock() (*Superblock, error) {
	if err := d.opened(); err != nil {
		return nil, err
	}
	if d.sb != nil {
		return d.sb, nil
	}
	page0, _, err := d.a.ReadPage(0)
	if err != nil {
		return nil, err
	}
	page1, _, err := d.a.ReadPage(1)
	if err != nil {
		return nil, err
	}
	sb, err := ParseSuperblock(append(append([]byte{}, page0...), page1...))
	if err != nil {
		return nil, err
	}
	d.sb = sb
	return sb, nil
}

func (d *Device) IsFormatted() (bool, error) {
	sb, err := d.Superblock()
	if err != nil {
		return false, err
	}
	return sb.Formatted(), nil
}

func (d *Device) RootCluster() (uint32, error) {
	sb, err := d.Superblock()
	if err != nil {
		return 0, err
	}
	if err := sb.validate(); err != nil {
		return 0, err
	}
	return sb.RootdirCluster, nil
}

func (d *Device) ReadPage(n uint32) (data, spare []byte, err error) {
	if err := d.opened(); err != nil {
		return nil, nil, err
	}
	return d.a.ReadPage(n)
}

func (d *Device) WritePage(n uint32, data, spare []byte) error {
	if err := d.opened(); err != nil {
		return err
	}
	if featuresFromFlags(d.a.Flags()).ECC && len(spare) == 0 {
		return fmt.Errorf("%w: page %d write needs a spare area on an ECC card", ErrInvalidArgument, n)
	}
	d.sb = nil
	return d.a.WritePage(n, data, spare)
}

func (d *Device) ErasePage(n uint32) error {
	if err := d.opened(); err != nil {
		return err
	}
	d.sb = nil
	return d.a.ErasePage(n)
}

// ReadCluster reads the pages of one absolute cluster and concatenates
// their data, spare areas included on demand.
func (d *Device) ReadCluster(n uint32, includeSpare bool) ([]byte, error) {
	sb, err := d.Superblock()
	if err != nil {
		return nil, err
	}
	pages := uint32(sb.PagesPerCluster)
	if pages == 0 {
		return nil, fmt.Errorf("%w: superblock reports zero pages per cluster", ErrInvalidSuperblock)
	}
	var out []byte
	for p := n * pages; p < (n+1)*pages; p++ {
		data, spare, err := d.a.ReadPage(p)
		if err != nil {
			return nil, fmt.Errorf("cluster %d: %w", n, err)
		}
		out = append(out, data...)
		if includeSpare {
			out = append(out, spare...)
		}
	}
	return out, nil
}
