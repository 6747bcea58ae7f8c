// chunk/codec_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"bytes"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCrypt(t testing.TB) *CryptConfig {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i * 7)
	}
	cc, err := NewCryptConfig(key)
	require.NoError(t, err)
	return cc
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestRoundTrip(t *testing.T) {
	cc := testCrypt(t)
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 8192).Draw(rt, "payload")
		compress := rapid.Bool().Draw(rt, "compress")
		var c *CryptConfig
		if rapid.Bool().Draw(rt, "encrypt") {
			c = cc
		}

		enc, err := Encode(payload, compress, c)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		if enc.Size() != uint64(len(payload)) {
			rt.Fatalf("size %d, expected %d", enc.Size(), len(payload))
		}
		if err := enc.VerifyCRC(); err != nil {
			rt.Fatalf("crc: %v", err)
		}
		d := DigestOf(payload)
		dec, err := Decode(enc, c, &d)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(dec, payload) {
			rt.Fatalf("payload mismatch")
		}
	})
}

func TestCompressOnlyWhenSmaller(t *testing.T) {
	zeros := make([]byte, 64*1024)
	enc, err := Encode(zeros, true, nil)
	require.NoError(t, err)
	assert.True(t, enc.IsCompressed())
	assert.Less(t, len(enc), len(zeros))

	noise := randomBytes(64*1024, 1)
	enc, err = Encode(noise, true, nil)
	require.NoError(t, err)
	assert.False(t, enc.IsCompressed())
	assert.Equal(t, HeaderSize+len(noise), len(enc))

	small := bytes.Repeat([]byte{'a'}, MinCompressSize-1)
	enc, err = Encode(small, true, nil)
	require.NoError(t, err)
	assert.False(t, enc.IsCompressed())
}

func TestBitFlipPlain(t *testing.T) {
	payload := randomBytes(1000, 2)
	d := DigestOf(payload)
	enc, err := Encode(payload, false, nil)
	require.NoError(t, err)

	enc[HeaderSize+500] ^= 0x10
	_, err = Decode(enc, nil, &d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDigestMismatch), "%v", err)

	// The CRC catches it too, without decoding.
	assert.True(t, errors.Is(enc.VerifyCRC(), ErrCorrupt))
}

func TestBitFlipCompressed(t *testing.T) {
	var payload []byte
	for i := 0; i < 200; i++ {
		payload = append(payload, []byte("compressible line of text ")...)
		payload = append(payload, randomBytes(4, int64(i))...)
	}
	d := DigestOf(payload)
	enc, err := Encode(payload, true, nil)
	require.NoError(t, err)
	require.True(t, enc.IsCompressed())

	// Damage in the compressed data and in the frame checksum; with the
	// digest known, both are reported the same way.
	n := len(enc) - HeaderSize
	for _, off := range []int{HeaderSize + n/3, HeaderSize + n/2, HeaderSize + 2*n/3,
		len(enc) - 2} {
		bad := append(Encoded(nil), enc...)
		bad[off] ^= 0x04
		_, err := Decode(bad, nil, &d)
		assert.True(t, errors.Is(err, ErrDigestMismatch), "offset %d: %v", off, err)
		assert.True(t, errors.Is(bad.VerifyCRC(), ErrCorrupt), "offset %d", off)
	}
}

func TestBitFlipEncrypted(t *testing.T) {
	cc := testCrypt(t)
	payload := bytes.Repeat([]byte("encrypted "), 300)
	d := DigestOf(payload)

	for _, compress := range []bool{false, true} {
		enc, err := Encode(payload, compress, cc)
		require.NoError(t, err)
		assert.True(t, enc.IsEncrypted())

		enc[len(enc)-1] ^= 1
		_, err = Decode(enc, cc, &d)
		assert.True(t, errors.Is(err, ErrAuthFailure), "%v", err)
	}

	// The header is authenticated as well.
	enc, err := Encode(payload, false, cc)
	require.NoError(t, err)
	enc[8]--
	_, err = Decode(enc, cc, &d)
	assert.True(t, errors.Is(err, ErrAuthFailure), "%v", err)
}

func TestWrongKey(t *testing.T) {
	cc := testCrypt(t)
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := NewCryptConfig(key)
	require.NoError(t, err)

	enc, err := Encode([]byte("secret"), false, cc)
	require.NoError(t, err)
	_, err = Decode(enc, other, nil)
	assert.True(t, errors.Is(err, ErrAuthFailure))
	_, err = Decode(enc, nil, nil)
	assert.True(t, errors.Is(err, ErrAuthFailure))
}

func TestTruncated(t *testing.T) {
	payload := randomBytes(4096, 3)
	enc, err := Encode(payload, false, nil)
	require.NoError(t, err)

	_, err = Decode(enc[:len(enc)-100], nil, nil)
	assert.True(t, errors.Is(err, ErrTruncated), "%v", err)

	_, err = Decode(enc[:HeaderSize-1], nil, nil)
	assert.True(t, errors.Is(err, ErrTruncated), "%v", err)

	kind, ok := IsIntegrityError(err)
	assert.True(t, ok)
	assert.Equal(t, Truncated, kind)
}

func TestBadHeader(t *testing.T) {
	enc, err := Encode([]byte("hello"), false, nil)
	require.NoError(t, err)

	bad := append(Encoded(nil), enc...)
	bad[0] = 'X'
	_, err = Decode(bad, nil, nil)
	assert.True(t, errors.Is(err, ErrCorrupt))

	bad = append(Encoded(nil), enc...)
	bad[4] = 0x80
	_, err = Decode(bad, nil, nil)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestCheckUpload(t *testing.T) {
	payload := []byte("some chunk data that will be uploaded")
	d := DigestOf(payload)
	enc, err := Encode(payload, true, nil)
	require.NoError(t, err)
	assert.NoError(t, CheckUpload(enc, d, uint64(len(payload))))
	assert.Error(t, CheckUpload(enc, d, uint64(len(payload))+1))

	var wrong Digest
	assert.True(t, errors.Is(CheckUpload(enc, wrong, uint64(len(payload))),
		ErrDigestMismatch))

	// Encrypted chunks can't be decoded here; only the CRC and size are
	// checked.
	cenc, err := Encode(payload, false, testCrypt(t))
	require.NoError(t, err)
	assert.NoError(t, CheckUpload(cenc, wrong, uint64(len(payload))))
}

func TestDigestText(t *testing.T) {
	d := DigestOf([]byte("abc"))
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		d.String())

	p, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, p)

	_, err = ParseDigest("abc")
	assert.Error(t, err)
	_, err = ParseDigest(string(bytes.Repeat([]byte{'z'}, 64)))
	assert.Error(t, err)
}

func TestKeyFile(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	fn := filepath.Join(t.TempDir(), "key.json")

	kf, err := NewKeyFile(key, "hunter2")
	require.NoError(t, err)
	require.NoError(t, kf.Save(fn))
	assert.Error(t, kf.Save(fn), "shouldn't overwrite an existing key")

	loaded, err := LoadKeyFile(fn)
	require.NoError(t, err)
	got, err := loaded.Key("hunter2")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = loaded.Key("wrong")
	assert.True(t, errors.Is(err, ErrIncorrectPassphrase))

	cc, err := LoadCryptConfig(fn, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, kf.Fingerprint, cc.Fingerprint())

	plain, err := NewKeyFile(key, "")
	require.NoError(t, err)
	got, err = plain.Key("")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestSign(t *testing.T) {
	cc := testCrypt(t)
	a := cc.Sign([]byte("manifest"))
	assert.Len(t, a, 32)
	assert.Equal(t, a, cc.Sign([]byte("manifest")))
	assert.NotEqual(t, a, cc.Sign([]byte("manifest2")))
}
