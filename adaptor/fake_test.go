package adaptor

import (
	"encoding/binary"
	"fmt"
	"testing"
)

// fakeCard emulates the adaptor with a card inserted: it parses host
// frames, keeps the MagicGate state and serves pages from memory. Replies
// mirror the request skeleton the way the hardware does.
type fakeCard struct {
	t     *testing.T
	flags byte
	specs Specs

	vector []byte
	plain  []byte
	nonce  []byte
	seed   []byte

	// handshake observations
	challenges  map[string][]byte
	response1   []byte
	response2   []byte
	breakAuth   bool
	authStarted int

	pages      map[uint32][]byte // data then spare, per page
	readStream []byte
	readIndex  map[uint32]int
	writeTo    uint32
	written    map[uint32][]byte
	erasedAt   []uint32

	breakReadChecksum bool

	pending []byte
}

func newFakeCard(t *testing.T) *fakeCard {
	f := &fakeCard{
		t:     t,
		flags: FlagUseECC,
		specs: Specs{CardSize: 64, BlockSize: 16, PageSize: 512},

		vector: []byte{0x10, 0x21, 0x32, 0x43, 0x54, 0x65, 0x76, 0x87},
		plain:  []byte{0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78},
		nonce:  []byte{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7},
		seed:   []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},

		challenges: map[string][]byte{},
		pages:      map[uint32][]byte{},
		readIndex:  map[uint32]int{},
		written:    map[uint32][]byte{},
	}
	for n := uint32(0); n < f.specs.CardSize; n++ {
		f.pages[n] = fakePage(n)
	}
	return f
}

// fakePage builds a deterministic page with a matching spare area.
func fakePage(n uint32) []byte {
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(int(n)*31 + i*5 + 1)
	}
	return append(data, PageECC(data)...)
}

// authKey derives the same session key the host computes.
func (f *fakeCard) authKey() []byte {
	block := make([]byte, 8)
	for i := range block {
		block[i] = f.vector[i] ^ f.plain[i]
	}
	left, err := tdesCBCEncrypt(mgKeyLeft, mgIVLeft, block)
	if err != nil {
		f.t.Fatalf("fake auth key: %v", err)
	}
	right, err := tdesCBCEncrypt(mgKeyRight, mgIVRight, block)
	if err != nil {
		f.t.Fatalf("fake auth key: %v", err)
	}
	return append(left, right...)
}

var fakeCommands = []command{
	cmdAuthorize, cmdAuth00, cmdGetVector, cmdGetPlain, cmdAuth03, cmdGetNonce,
	cmdAuth05, cmdPutChallenge1, cmdPutChallenge2, cmdAuth08, cmdAuth09,
	cmdAuth0A, cmdPutChallenge3, cmdAuth0C, cmdAuth0D, cmdAuth0E,
	cmdGetResponse1, cmdAuth10, cmdGetResponse2, cmdAuth12, cmdGetResponse3,
	cmdAuth14, cmdPutSentinel, cmdGetSpecs, cmdPutReadIndex, cmdGetRead8,
	cmdPutWriteIndex, cmdPutWrite8, cmdIoFin, cmdPutEraseIndex,
	cmdEraseConfirm, cmdEraseFin,
}

func findCommand(c1, c2 byte) (command, bool) {
	for _, c := range fakeCommands {
		if c.code[0] == c1 && c.code[1] == c2 {
			return c, true
		}
	}
	return command{}, false
}

// frameData pulls the spliced data bytes back out of a host frame.
func frameData(c command, frame []byte, n int) []byte {
	slot := 5 + c.placeholder()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		if c.raw {
			out[i] = frame[slot+i]
		} else {
			out[n-1-i] = frame[slot+i]
		}
	}
	return out
}

func (f *fakeCard) write(p []byte) error {
	if len(p) < 6 || p[0] != frameByte0 || p[1] != frameByte1 {
		return fmt.Errorf("fake: bad frame header %x", p[:2])
	}
	c, ok := findCommand(p[5], p[6])
	if !ok {
		return fmt.Errorf("fake: unknown command %02x %02x", p[5], p[6])
	}

	var data []byte
	var sum byte
	var haveSum bool
	switch c.name {
	case "AUTHORIZE":
		f.authStarted++
	case "GET_VECTOR":
		data = f.vector
	case "GET_PLAIN":
		data = f.plain
	case "GET_NONCE":
		data = f.nonce
	case "PUT_CHALLENGE1", "PUT_CHALLENGE2", "PUT_CHALLENGE3":
		f.challenges[c.name] = frameData(c, p, 8)
	case "GET_RESPONSE1":
		r1, err := tdesCBCEncrypt(f.authKey(), mgChallengeIV, f.nonce)
		if err != nil {
			return err
		}
		if f.breakAuth {
			r1[0] ^= 0xff
		}
		f.response1 = r1
		data = r1
	case "GET_RESPONSE2":
		r2, err := tdesCBCEncrypt(f.authKey(), f.response1, mgTag)
		if err != nil {
			return err
		}
		f.response2 = r2
		data = r2
	case "GET_RESPONSE3":
		r3, err := tdesCBCEncrypt(f.authKey(), f.response2, f.seed)
		if err != nil {
			return err
		}
		data = r3
	case "GET_SPECS":
		data = make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], f.specs.CardSize)
		binary.BigEndian.PutUint16(data[4:6], f.specs.BlockSize)
		binary.BigEndian.PutUint16(data[6:8], f.specs.PageSize)
	case "PUT_READ_INDEX":
		n := binary.BigEndian.Uint32(frameData(c, p, 4))
		f.readIndex[n]++
		f.readStream = f.pages[n]
	case "GET_READ_8":
		data = f.readStream[:8]
		f.readStream = f.readStream[8:]
		sum = xorBytes(data)
		haveSum = true
		if f.breakReadChecksum {
			sum ^= 0x01
		}
	case "PUT_WRITE_INDEX":
		f.writeTo = binary.BigEndian.Uint32(frameData(c, p, 4))
	case "PUT_WRITE_8":
		f.written[f.writeTo] = append(f.written[f.writeTo], frameData(c, p, 8)...)
	case "PUT_ERASE_INDEX":
		f.erasedAt = append(f.erasedAt, binary.BigEndian.Uint32(frameData(c, p, 4)))
	}

	if !haveSum {
		sum = xorBytes(data)
	}
	f.pending = f.buildReply(c, data, sum)
	return nil
}

// buildReply mirrors the request: reply header, flags at the first
// placeholder, data (reversed unless raw) at the payload tail with its
// checksum byte just before.
func (f *fakeCard) buildReply(c command, data []byte, sum byte) []byte {
	reply := make([]byte, 5+len(c.code)+1)
	reply[0] = replyByte0
	reply[1] = replyByte1
	if slot := c.placeholder(); slot >= 0 {
		reply[5+slot] = f.flags
	}
	if len(data) > 0 {
		end := 5 + len(c.code)
		for i := range data {
			if c.raw {
				reply[end-len(data)+i] = data[i]
			} else {
				reply[end-len(data)+i] = data[len(data)-1-i]
			}
		}
		reply[end-len(data)-1] = sum
	}
	return reply
}

func (f *fakeCard) read(p []byte) (int, error) {
	if f.pending == nil {
		return 0, fmt.Errorf("fake: read with no pending reply")
	}
	n := copy(p, f.pending)
	f.pending = nil
	return n, nil
}

func (f *fakeCard) maxPacket() int { return 64 }

func (f *fakeCard) close() error { return nil }
