package adaptor

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Card flag bits, snapshotted from every reply.
const (
	FlagUseECC      byte = 0x01
	FlagBadBlock    byte = 0x08
	FlagEraseZeroes byte = 0x10
)

// spareSize is the spare-area size of an ECC-capable page.
const spareSize = 16

// Specs is the geometry the card reports after authentication.
type Specs struct {
	CardSize  uint32 // total pages
	BlockSize uint16 // pages per erase block
	PageSize  uint16 // data bytes per page
}

type cachedPage struct {
	data  []byte
	spare []byte
}

// Adaptor drives the USB PS3 memory card adaptor: command framing, the
// MagicGate handshake and raw page I/O. All methods must be called from a
// single goroutine; the device holds global state and commands may not
// interleave.
type Adaptor struct {
	pipe  bulkPipe
	flags byte
	specs Specs
	pages map[uint32]*cachedPage
}

// Open finds the adaptor on the bus, authenticates against the inserted
// card and negotiates its geometry.
func Open() (*Adaptor, error) {
	pipe, err := openUSB()
	if err != nil {
		return nil, err
	}
	a := newAdaptor(pipe)
	if err := a.start(); err != nil {
		pipe.close()
		return nil, err
	}
	return a, nil
}

func newAdaptor(pipe bulkPipe) *Adaptor {
	return &Adaptor{pipe: pipe, pages: map[uint32]*cachedPage{}}
}

// start runs the handshake and reads the card geometry. Reads issued before
// the sentinel is set can hang the adaptor, so the order here is fixed.
func (a *Adaptor) start() error {
	if err := a.authenticate(); err != nil {
		return err
	}
	if _, _, err := a.exec(cmdPutSentinel, nil, 0); err != nil {
		return err
	}
	return a.readSpecs()
}

// Close releases the device and drops the page cache.
func (a *Adaptor) Close() error {
	a.pages = map[uint32]*cachedPage{}
	return a.pipe.close()
}

// Specs returns the geometry negotiated on open.
func (a *Adaptor) Specs() Specs {
	return a.specs
}

// Flags returns the last card-flags snapshot seen on the wire.
func (a *Adaptor) Flags() byte {
	return a.flags
}

func (a *Adaptor) hasECC() bool {
	return a.flags&FlagUseECC != 0
}

// erasedByte is the value every bit of an erased page holds.
func (a *Adaptor) erasedByte() byte {
	if a.flags&FlagEraseZeroes != 0 {
		return 0x00
	}
	return 0xff
}

// exec sends one command and parses its reply. datalen is the number of
// returned data bytes expected; the second return value is the checksum or
// ECC byte the device sent alongside them.
func (a *Adaptor) exec(c command, data []byte, datalen int) ([]byte, byte, error) {
	f, err := c.frame(data)
	if err != nil {
		return nil, 0, err
	}
	if err := a.pipe.write(f); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", c.name, err)
	}
	buf := make([]byte, a.pipe.maxPacket())
	n, err := a.pipe.read(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", c.name, err)
	}
	flags, out, sum, err := c.parseReply(buf[:n], datalen)
	if err != nil {
		return nil, 0, err
	}
	a.flags = flags
	return out, sum, nil
}

func (a *Adaptor) readSpecs() error {
	data, _, err := a.exec(cmdGetSpecs, nil, 8)
	if err != nil {
		return err
	}
	a.specs = Specs{
		CardSize:  binary.BigEndian.Uint32(data[0:4]),
		BlockSize: binary.BigEndian.Uint16(data[4:6]),
		PageSize:  binary.BigEndian.Uint16(data[6:8]),
	}
	log.WithFields(log.Fields{
		"cardsize":  a.specs.CardSize,
		"blocksize": a.specs.BlockSize,
		"pagesize":  a.specs.PageSize,
		"flags":     fmt.Sprintf("%#02x", a.flags),
	}).Debug("card specs")
	return nil
}
