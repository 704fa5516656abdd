package card

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/bits-and-blooms/bitset"
	log "github.com/sirupsen/logrus"
)

// Progress receives the page number just completed and the total page
// count. Dump and Restore call it once per page; EraseAll calls it once per
// block, with the block's first page. The front-end owns any threading
// around it.
type Progress func(page, total uint32)

// restoreSettle is how long a card gets to settle after a full erase
// before the first write.
var restoreSettle = 5 * time.Second

// DumpReport summarizes a finished dump.
type DumpReport struct {
	Pages   uint32
	Skipped *bitset.BitSet
}

// Dump copies every physical page, spare included, to w in page order.
// Unreadable pages are replaced with erased filler so the image keeps its
// geometry; their numbers are collected in the report. stop is polled
// between pages and may be nil.
func Dump(c Card, w io.Writer, progress Progress, stop func() bool) (*DumpReport, error) {
	specs, err := c.Specs()
	if err != nil {
		return nil, err
	}
	feat, err := c.Features()
	if err != nil {
		return nil, err
	}
	filler := bytes.Repeat([]byte{feat.ErasedByte()}, int(specs.PageSize)+feat.EccSize())

	report := &DumpReport{Pages: specs.CardSize, Skipped: bitset.New(uint(specs.CardSize))}
	for n := uint32(0); n < specs.CardSize; n++ {
		if stop != nil && stop() {
			return report, ErrStopped
		}
		data, spare, err := c.ReadPage(n)
		if err != nil {
			log.WithField("page", n).WithError(err).Warn("skipping unreadable page")
			report.Skipped.Set(uint(n))
			data, spare = filler[:specs.PageSize], filler[specs.PageSize:]
		}
		if _, err := w.Write(data); err != nil {
			return report, fmt.Errorf("writing page %d: %w", n, err)
		}
		if _, err := w.Write(spare); err != nil {
			return report, fmt.Errorf("writing page %d spare: %w", n, err)
		}
		if progress != nil {
			progress(n, specs.CardSize)
		}
	}
	if skipped := report.Skipped.Count(); skipped > 0 {
		log.WithField("pages", skipped).Warn("dump finished with unreadable pages")
	}
	return report, nil
}

// Restore writes an image back onto a card. The geometry must match unless
// the destination is unformatted; the check happens before anything is
// erased. Every block is erased first, the card settles, then pages are
// written in order with the spare areas the image carries. The first write
// failure aborts: continuing after one would leave the card silently
// corrupt.
func Restore(c Card, img *Image, progress Progress, stop func() bool) error {
	srcSpecs, err := img.Specs()
	if err != nil {
		return err
	}
	formatted, err := c.IsFormatted()
	if err != nil {
		return err
	}
	if formatted {
		dstSpecs, err := c.Specs()
		if err != nil {
			return err
		}
		if dstSpecs != srcSpecs {
			return fmt.Errorf("%w: card %dx%d, image %dx%d",
				ErrGeometryMismatch, dstSpecs.CardSize, dstSpecs.PageSize, srcSpecs.CardSize, srcSpecs.PageSize)
		}
	}

	if err := EraseAll(c, nil, stop); err != nil {
		return err
	}
	time.Sleep(restoreSettle)

	for n := uint32(0); n < srcSpecs.CardSize; n++ {
		if stop != nil && stop() {
			return ErrStopped
		}
		data, spare, err := img.ReadPage(n)
		if err != nil {
			return fmt.Errorf("reading image page %d: %w", n, err)
		}
		if err := c.WritePage(n, data, spare); err != nil {
			return fmt.Errorf("restoring page %d: %w", n, err)
		}
		if progress != nil {
			progress(n, srcSpecs.CardSize)
		}
	}
	return nil
}

// EraseAll erases the card block by block. Each erase drops the handle's
// cached superblock and any cached pages of the erased block.
func EraseAll(c Card, progress Progress, stop func() bool) error {
	specs, err := c.Specs()
	if err != nil {
		return err
	}
	block := uint32(specs.BlockSize)
	if block == 0 {
		block = 1
	}
	for n := uint32(0); n < specs.CardSize; n += block {
		if stop != nil && stop() {
			return ErrStopped
		}
		if err := c.ErasePage(n); err != nil {
			return fmt.Errorf("erasing block at page %d: %w", n, err)
		}
		if progress != nil {
			progress(n, specs.CardSize)
		}
	}
	return nil
}
