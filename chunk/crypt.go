// chunk/crypt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

// CryptConfig holds the AES-256 key used to encrypt chunks, along with
// keys derived from it for signing manifests and fingerprinting.
type CryptConfig struct {
	aead        cipher.AEAD
	signKey     [32]byte
	fingerprint [32]byte
}

func NewCryptConfig(key [KeySize]byte) (*CryptConfig, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}

	cc := &CryptConfig{aead: aead}
	if err := deriveKey(key, "bkd manifest signing key", cc.signKey[:]); err != nil {
		return nil, err
	}
	if err := deriveKey(key, "bkd key fingerprint", cc.fingerprint[:]); err != nil {
		return nil, err
	}
	return cc, nil
}

func deriveKey(key [KeySize]byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, key[:], nil, []byte(info))
	_, err := io.ReadFull(r, out)
	return errors.Wrapf(err, "%s: hkdf", info)
}

// GenerateKey returns a new random encryption key.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	_, err := io.ReadFull(rand.Reader, key[:])
	return key, errors.Wrap(err, "generate key")
}

// Sign returns the HMAC-SHA256 of data under the key derived for signing.
func (cc *CryptConfig) Sign(data []byte) []byte {
	m := hmac.New(sha256.New, cc.signKey[:])
	m.Write(data)
	return m.Sum(nil)
}

// Fingerprint identifies a key without revealing it: the first eight
// bytes of a derived value, as colon-separated hex.
func (cc *CryptConfig) Fingerprint() string {
	var parts []string
	for _, b := range cc.fingerprint[:8] {
		parts = append(parts, hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}
