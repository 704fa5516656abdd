package adaptor

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ReadPage transfers one page and, on ECC-capable cards, its spare area.
// Pages come back in 8-byte chunks, each carrying an XOR byte the device
// computed; a mismatch fails the read. Verified pages are cached, so a
// second request returns the same data without bus traffic.
func (a *Adaptor) ReadPage(n uint32) (data, spare []byte, err error) {
	if n >= a.specs.CardSize {
		return nil, nil, fmt.Errorf("page %d out of range (card has %d pages)", n, a.specs.CardSize)
	}
	if p, ok := a.pages[n]; ok {
		return p.data, p.spare, nil
	}

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], n)
	if _, _, err := a.exec(cmdPutReadIndex, idx[:], 0); err != nil {
		return nil, nil, err
	}

	pageSize := int(a.specs.PageSize)
	data = make([]byte, 0, pageSize)
	for i := 0; i < pageSize/8; i++ {
		chunk, sum, err := a.exec(cmdGetRead8, nil, 8)
		if err != nil {
			return nil, nil, err
		}
		if xorBytes(chunk) != sum {
			return nil, nil, fmt.Errorf("page %d chunk %d: %w", n, i, ErrReadChecksum)
		}
		data = append(data, chunk...)
	}
	if a.hasECC() {
		reads := ((pageSize/eccChunkSize)*3 + 4) / 8
		spare = make([]byte, 0, reads*8)
		for i := 0; i < reads; i++ {
			chunk, sum, err := a.exec(cmdGetRead8, nil, 8)
			if err != nil {
				return nil, nil, err
			}
			if xorBytes(chunk) != sum {
				return nil, nil, fmt.Errorf("page %d spare chunk %d: %w", n, i, ErrReadChecksum)
			}
			spare = append(spare, chunk...)
		}
	}
	if _, _, err := a.exec(cmdIoFin, nil, 0); err != nil {
		return nil, nil, err
	}

	// An erased page carries no meaningful code; everything else gets
	// verified and, where the code allows, repaired in place.
	if len(spare) > 0 && spare[len(spare)-1] != a.erasedByte() {
		if err := a.verifyPage(n, data, spare); err != nil {
			return nil, nil, err
		}
	}

	a.pages[n] = &cachedPage{data: data, spare: spare}
	return data, spare, nil
}

func (a *Adaptor) verifyPage(n uint32, data, spare []byte) error {
	for i := 0; i*eccChunkSize < len(data); i++ {
		chunk := data[i*eccChunkSize : (i+1)*eccChunkSize]
		switch verifyChunk(chunk, spare[i*3:i*3+3]) {
		case eccFixedData:
			log.WithFields(log.Fields{"page": n, "chunk": i}).Warn("corrected single-bit data error")
		case eccFixedCode:
			// TODO: schedule a writeback so the repaired code reaches the
			// flash, not just the cache.
			log.WithFields(log.Fields{"page": n, "chunk": i}).Warn("replaced stale ECC code")
		case eccFailed:
			return &EccError{Page: n, Chunk: i}
		}
	}
	return nil
}

// WritePage programs one page. The caller supplies the spare area; replayed
// dumps carry the original codes, synthesized writes must use PageECC.
func (a *Adaptor) WritePage(n uint32, data, spare []byte) error {
	if n >= a.specs.CardSize {
		return fmt.Errorf("page %d out of range (card has %d pages)", n, a.specs.CardSize)
	}
	pageSize := int(a.specs.PageSize)
	if len(data) != pageSize {
		return fmt.Errorf("page %d: data is %d bytes, want %d", n, len(data), pageSize)
	}
	if a.hasECC() && len(spare) != spareSize {
		return fmt.Errorf("page %d: spare is %d bytes, want %d", n, len(spare), spareSize)
	}

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], n)
	if _, _, err := a.exec(cmdPutWriteIndex, idx[:], 0); err != nil {
		return err
	}
	for i := 0; i < pageSize/8; i++ {
		if _, _, err := a.exec(cmdPutWrite8, data[i*8:i*8+8], 0); err != nil {
			return err
		}
	}
	if a.hasECC() {
		for i := 0; i < len(spare)/8; i++ {
			if _, _, err := a.exec(cmdPutWrite8, spare[i*8:i*8+8], 0); err != nil {
				return err
			}
		}
	}
	if _, _, err := a.exec(cmdIoFin, nil, 0); err != nil {
		return err
	}
	delete(a.pages, n)
	return nil
}

// ErasePage erases the whole block containing page n.
func (a *Adaptor) ErasePage(n uint32) error {
	if n >= a.specs.CardSize {
		return fmt.Errorf("page %d out of range (card has %d pages)", n, a.specs.CardSize)
	}
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], n)
	if _, _, err := a.exec(cmdPutEraseIndex, idx[:], 0); err != nil {
		return err
	}
	if _, _, err := a.exec(cmdEraseConfirm, nil, 0); err != nil {
		return err
	}
	if _, _, err := a.exec(cmdEraseFin, nil, 0); err != nil {
		return err
	}

	block := uint32(a.specs.BlockSize)
	if block == 0 {
		block = 1
	}
	start := n - n%block
	for p := start; p < start+block; p++ {
		delete(a.pages, p)
	}
	return nil
}
