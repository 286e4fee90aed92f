// codec/crypto.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package codec implements the cryptography and compression used by
// ZBackup repository files.
//
// lzma payloads use the xz container format. lz4 payloads use the
// standard lz4 frame format, not the block framing of ZBackup's own lz4
// support, so lz4 bundles are only exchangeable with tools that use the
// frame format.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	u "github.com/mmp/zbk/util"
	"golang.org/x/crypto/pbkdf2"
	"io"
	"os"
	"strings"
)

const (
	KeySize  = 16
	HmacSize = 20
	IVSize   = aes.BlockSize
)

// Key is the AES-128 key that all encrypted repository files are
// encrypted with.
type Key [KeySize]byte

// WrappedKey holds the repository key encrypted with a key derived from
// the user's password, along with what's needed to check the password.
type WrappedKey struct {
	Salt          []byte
	Rounds        uint32
	EncryptedKey  []byte
	KeyCheckInput []byte
	KeyCheckHmac  []byte
}

var zeroIV [IVSize]byte

// DeriveKey returns the key-encrypting key for the given password using
// PBKDF2 with HMAC-SHA1.
func DeriveKey(password, salt []byte, rounds uint32) []byte {
	return pbkdf2.Key(password, salt, int(rounds), KeySize, sha1.New)
}

// UnwrapKey decrypts the repository key with the password-derived key
// and checks it against the stored HMAC; a mismatch means that the
// password was wrong.
func UnwrapKey(password []byte, wk WrappedKey) (Key, error) {
	var key Key
	if len(wk.EncryptedKey) != KeySize {
		return key, u.Errorf(u.ErrFormat, "encrypted key has %d bytes, expected %d",
			len(wk.EncryptedKey), KeySize)
	}

	block, err := aes.NewCipher(DeriveKey(password, wk.Salt, wk.Rounds))
	if err != nil {
		return key, err
	}
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(key[:], wk.EncryptedKey)

	if !hmac.Equal(keyCheck(key, wk.KeyCheckInput), wk.KeyCheckHmac) {
		return Key{}, u.Errorf(u.ErrAuth, "incorrect password")
	}
	return key, nil
}

// NewKey generates a new random repository key and wraps it with the
// given password.
func NewKey(password []byte, rounds uint32) (Key, WrappedKey, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return key, WrappedKey{}, err
	}

	wk := WrappedKey{
		Salt:          RandomBytes(KeySize),
		Rounds:        rounds,
		EncryptedKey:  make([]byte, KeySize),
		KeyCheckInput: RandomBytes(KeySize),
	}
	block, err := aes.NewCipher(DeriveKey(password, wk.Salt, rounds))
	if err != nil {
		return key, wk, err
	}
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(wk.EncryptedKey, key[:])
	wk.KeyCheckHmac = keyCheck(key, wk.KeyCheckInput)
	return key, wk, nil
}

func keyCheck(key Key, input []byte) []byte {
	mac := hmac.New(sha1.New, key[:])
	mac.Write(input)
	return mac.Sum(nil)
}

// RandomBytes returns n bytes from the system's secure random number
// generator.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return b
}

// ReadPasswordFile returns the contents of the given password file with
// a single trailing newline removed.
func ReadPasswordFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, u.IOError(err, path)
	}
	s := strings.TrimSuffix(string(b), "\n")
	s = strings.TrimSuffix(s, "\r")
	return []byte(s), nil
}

///////////////////////////////////////////////////////////////////////////
// File encryption

// Encrypt encrypts an entire file's plaintext with AES-128-CBC, using a
// zero IV and PKCS#7 padding. Callers are expected to start the plaintext
// with a block of random bytes (see RandomBytes), which takes the place
// of the IV.
func Encrypt(key *Key, plaintext []byte) []byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}

	pad := IVSize - len(plaintext)%IVSize
	out := make([]byte, len(plaintext)+pad)
	copy(out, plaintext)
	for i := len(plaintext); i < len(out); i++ {
		out[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(out, out)
	return out
}

// Decrypt reverses Encrypt, returning the plaintext including the initial
// random block.
func Decrypt(key *Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%IVSize != 0 {
		return nil, u.Errorf(u.ErrCorrupt, "encrypted file length %d is not a multiple of %d",
			len(ciphertext), IVSize)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(out, ciphertext)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > IVSize || pad > len(out) {
		return nil, u.Errorf(u.ErrCorrupt, "invalid padding length %d", pad)
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, u.Errorf(u.ErrCorrupt, "invalid padding")
		}
	}
	return out[:len(out)-pad], nil
}
