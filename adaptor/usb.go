package adaptor

import (
	"fmt"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"
)

// The adaptor enumerates as Sony 054c:02ea with a single configuration,
// bulk OUT 0x02 and bulk IN 0x81.
const (
	usbVendor  gousb.ID = 0x054c
	usbProduct gousb.ID = 0x02ea

	endpointOut = 2
	endpointIn  = 1
)

// bulkPipe is the minimal transport the protocol layers need. The real
// implementation is a pair of gousb bulk endpoints; tests substitute a
// scripted fake.
type bulkPipe interface {
	write(p []byte) error
	read(p []byte) (int, error)
	maxPacket() int
	close() error
}

type usbPipe struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

// openUSB claims the adaptor's default interface and resolves both bulk
// endpoints.
func openUSB() (*usbPipe, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(usbVendor, usbProduct)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("opening adaptor: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, ErrDeviceAbsent
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claiming adaptor interface: %w", err)
	}
	out, err := intf.OutEndpoint(endpointOut)
	if err == nil {
		var in *gousb.InEndpoint
		in, err = intf.InEndpoint(endpointIn)
		if err == nil {
			log.WithField("device", dev.String()).Debug("adaptor opened")
			return &usbPipe{ctx: ctx, dev: dev, intf: intf, done: done, out: out, in: in}, nil
		}
	}
	intf.Close()
	done()
	dev.Close()
	ctx.Close()
	return nil, fmt.Errorf("resolving adaptor endpoints: %w", err)
}

func (p *usbPipe) write(b []byte) error {
	n, err := p.out.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short bulk write: %d of %d bytes", n, len(b))
	}
	return nil
}

func (p *usbPipe) read(b []byte) (int, error) {
	return p.in.Read(b)
}

func (p *usbPipe) maxPacket() int {
	return p.in.Desc.MaxPacketSize
}

func (p *usbPipe) close() error {
	p.intf.Close()
	p.done()
	err := p.dev.Close()
	if cerr := p.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}
