// chunk/keyfile.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 65536

var ErrIncorrectPassphrase = errors.New("incorrect passphrase")

// KeyFile is the on-disk representation of an encryption key. With a
// passphrase, PBKDF2 derives 64 bytes from it: the first 32 are stored to
// detect a wrong passphrase and the last 32 (never stored) encrypt the
// key. Without one, the key is stored as-is.
type KeyFile struct {
	KDF            string    `json:"kdf"`
	Iterations     int       `json:"iterations,omitempty"`
	Salt           []byte    `json:"salt,omitempty"`
	PassphraseHash []byte    `json:"passphrase_hash,omitempty"`
	Nonce          []byte    `json:"nonce,omitempty"`
	Data           []byte    `json:"data"`
	Created        time.Time `json:"created"`
	Fingerprint    string    `json:"fingerprint"`
}

// NewKeyFile wraps key using passphrase. An empty passphrase leaves the
// key unprotected.
func NewKeyFile(key [KeySize]byte, passphrase string) (*KeyFile, error) {
	cc, err := NewCryptConfig(key)
	if err != nil {
		return nil, err
	}
	kf := &KeyFile{Created: time.Now().UTC(), Fingerprint: cc.Fingerprint()}

	if passphrase == "" {
		kf.KDF = "none"
		kf.Data = append([]byte(nil), key[:]...)
		return kf, nil
	}

	kf.KDF = "pbkdf2-sha256"
	kf.Iterations = pbkdf2Iterations
	kf.Salt = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, kf.Salt); err != nil {
		return nil, errors.Wrap(err, "salt")
	}
	hash := pbkdf2.Key([]byte(passphrase), kf.Salt, kf.Iterations, 64, sha256.New)
	kf.PassphraseHash = hash[:32]

	aead, err := keyWrapAEAD(hash[32:])
	if err != nil {
		return nil, err
	}
	kf.Nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, kf.Nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	kf.Data = aead.Seal(nil, kf.Nonce, key[:], nil)
	return kf, nil
}

func keyWrapAEAD(kek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}
	return cipher.NewGCM(block)
}

// Key recovers the encryption key.
func (kf *KeyFile) Key(passphrase string) ([KeySize]byte, error) {
	var key [KeySize]byte
	switch kf.KDF {
	case "none":
		if len(kf.Data) != KeySize {
			return key, errors.Errorf("key file: %d byte key", len(kf.Data))
		}
		copy(key[:], kf.Data)
		return key, nil

	case "pbkdf2-sha256":
		hash := pbkdf2.Key([]byte(passphrase), kf.Salt, kf.Iterations, 64, sha256.New)
		if subtle.ConstantTimeCompare(hash[:32], kf.PassphraseHash) != 1 {
			return key, ErrIncorrectPassphrase
		}
		aead, err := keyWrapAEAD(hash[32:])
		if err != nil {
			return key, err
		}
		if len(kf.Nonce) != aead.NonceSize() {
			return key, errors.Errorf("key file: bad nonce length %d", len(kf.Nonce))
		}
		k, err := aead.Open(nil, kf.Nonce, kf.Data, nil)
		if err != nil {
			return key, errors.Wrap(err, "key file: unwrap key")
		}
		if len(k) != KeySize {
			return key, errors.Errorf("key file: %d byte key", len(k))
		}
		copy(key[:], k)
		return key, nil

	default:
		return key, errors.Errorf("key file: unknown kdf %q", kf.KDF)
	}
}

func (kf *KeyFile) Save(fn string) error {
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if _, err := os.Stat(fn); err == nil {
		return errors.Errorf("%s: key file already exists", fn)
	}
	return errors.Wrapf(os.WriteFile(fn, append(b, '\n'), 0600), "%s", fn)
}

func LoadKeyFile(fn string) (*KeyFile, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", fn)
	}
	var kf KeyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, errors.Wrapf(err, "%s: parse key file", fn)
	}
	return &kf, nil
}

// LoadCryptConfig reads a key file and returns the CryptConfig for the
// key it holds.
func LoadCryptConfig(fn, passphrase string) (*CryptConfig, error) {
	kf, err := LoadKeyFile(fn)
	if err != nil {
		return nil, err
	}
	key, err := kf.Key(passphrase)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", fn)
	}
	return NewCryptConfig(key)
}
