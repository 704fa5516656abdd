package adaptor

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// MagicGate key material. Fixed for every adaptor; there is no runtime
// configuration.
var (
	mgKeyLeft     = []byte{0xce, 0x62, 0xf6, 0x84, 0x20, 0xb6, 0x5a, 0x81, 0xe4, 0x59, 0xfa, 0x9a, 0x2b, 0xb3, 0x59, 0x8a}
	mgIVLeft      = []byte{0x6c, 0x26, 0xd3, 0x7f, 0x46, 0xee, 0x9d, 0xa9}
	mgKeyRight    = []byte{0x70, 0x14, 0xa3, 0x2f, 0xcc, 0x5b, 0x12, 0x37, 0xac, 0x1f, 0xbf, 0x4e, 0xd2, 0x6d, 0x1c, 0xc1}
	mgIVRight     = []byte{0x2c, 0xd1, 0x60, 0xfa, 0x8c, 0x2e, 0xd3, 0x62}
	mgChallengeIV = []byte{0x2c, 0x5b, 0xf4, 0x8d, 0x32, 0x74, 0x91, 0x27}

	// mgTag is the fixed block the card expects inside challenge3.
	mgTag = []byte{0xde, 0xad, 0xc0, 0xde, 0xde, 0xad, 0xc0, 0xde}
)

const authAttempts = 5

// tdesKey expands a 16-byte 2-key triple-DES key to the 24-byte K1|K2|K1
// form crypto/des wants.
func tdesKey(k []byte) []byte {
	out := make([]byte, 0, 24)
	out = append(out, k[:16]...)
	return append(out, k[:8]...)
}

func tdesCBCEncrypt(key16, iv, src []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(tdesKey(key16))
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

func tdesCBCDecrypt(key16, iv, src []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(tdesKey(key16))
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// authenticate runs the MagicGate handshake. The sequence is not reentrant:
// any failed step restarts the whole exchange, up to authAttempts times.
func (a *Adaptor) authenticate() error {
	var err error
	for attempt := 1; attempt <= authAttempts; attempt++ {
		if err = a.authOnce(); err == nil {
			return nil
		}
		log.WithField("attempt", attempt).WithError(err).Debug("handshake attempt failed")
	}
	log.WithError(err).Error("handshake exhausted all attempts")
	return ErrAuthFailure
}

func (a *Adaptor) authOnce() error {
	if _, _, err := a.exec(cmdAuthorize, nil, 0); err != nil {
		return err
	}
	if _, _, err := a.exec(cmdAuth00, nil, 0); err != nil {
		return err
	}

	vector, _, err := a.exec(cmdGetVector, nil, 8)
	if err != nil {
		return err
	}
	plain, _, err := a.exec(cmdGetPlain, nil, 8)
	if err != nil {
		return err
	}
	block := make([]byte, 8)
	for i := range block {
		block[i] = vector[i] ^ plain[i]
	}

	// The session auth key is the two halves of the keyset applied to the
	// same mixed block.
	left, err := tdesCBCEncrypt(mgKeyLeft, mgIVLeft, block)
	if err != nil {
		return err
	}
	right, err := tdesCBCEncrypt(mgKeyRight, mgIVRight, block)
	if err != nil {
		return err
	}
	authKey := append(left, right...)

	if _, _, err := a.exec(cmdAuth03, nil, 0); err != nil {
		return err
	}
	nonce, _, err := a.exec(cmdGetNonce, nil, 8)
	if err != nil {
		return err
	}

	// Challenges chain backwards: each one is the IV of the previous.
	challenge3, err := tdesCBCEncrypt(authKey, mgChallengeIV, mgTag)
	if err != nil {
		return err
	}
	challenge2, err := tdesCBCEncrypt(authKey, challenge3, nonce)
	if err != nil {
		return err
	}
	challenge1, err := tdesCBCEncrypt(authKey, challenge2, vector)
	if err != nil {
		return err
	}

	if _, _, err := a.exec(cmdAuth05, nil, 0); err != nil {
		return err
	}
	if _, _, err := a.exec(cmdPutChallenge1, challenge1, 0); err != nil {
		return err
	}
	if _, _, err := a.exec(cmdPutChallenge2, challenge2, 0); err != nil {
		return err
	}
	for _, c := range []command{cmdAuth08, cmdAuth09, cmdAuth0A} {
		if _, _, err := a.exec(c, nil, 0); err != nil {
			return err
		}
	}
	if _, _, err := a.exec(cmdPutChallenge3, challenge3, 0); err != nil {
		return err
	}
	for _, c := range []command{cmdAuth0C, cmdAuth0D, cmdAuth0E} {
		if _, _, err := a.exec(c, nil, 0); err != nil {
			return err
		}
	}

	response1, _, err := a.exec(cmdGetResponse1, nil, 8)
	if err != nil {
		return err
	}
	if _, _, err := a.exec(cmdAuth10, nil, 0); err != nil {
		return err
	}
	response2, _, err := a.exec(cmdGetResponse2, nil, 8)
	if err != nil {
		return err
	}
	if _, _, err := a.exec(cmdAuth12, nil, 0); err != nil {
		return err
	}
	response3, _, err := a.exec(cmdGetResponse3, nil, 8)
	if err != nil {
		return err
	}
	if _, _, err := a.exec(cmdAuth14, nil, 0); err != nil {
		return err
	}

	// The card proves knowledge of the key by chaining its responses the
	// same way the challenges were chained.
	check1, err := tdesCBCDecrypt(authKey, mgChallengeIV, response1)
	if err != nil {
		return err
	}
	if !bytes.Equal(check1, nonce) {
		return fmt.Errorf("response1 does not decrypt to the nonce: %w", ErrAuthFailure)
	}
	check2, err := tdesCBCDecrypt(authKey, response1, response2)
	if err != nil {
		return err
	}
	if !bytes.Equal(check2, mgTag) {
		return fmt.Errorf("response2 does not decrypt to the tag: %w", ErrAuthFailure)
	}
	// The session key is derived but nothing downstream consumes it today.
	if _, err := tdesCBCDecrypt(authKey, response2, response3); err != nil {
		return err
	}

	log.Debug("handshake complete")
	return nil
}
