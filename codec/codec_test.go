// codec/codec_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package codec

import (
	"bytes"
	u "github.com/mmp/zbk/util"
	"github.com/pkg/errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyWrapping(t *testing.T) {
	password := []byte("correct horse")
	key, wk, err := NewKey(password, 1000)
	if err != nil {
		t.Fatal(err)
	}

	got, err := UnwrapKey(password, wk)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got != key {
		t.Errorf("unwrapped key mismatch")
	}

	_, err = UnwrapKey([]byte("battery staple"), wk)
	if !errors.Is(err, u.ErrAuth) {
		t.Errorf("wrong password: got %v, expected ErrAuth", err)
	}

	wk.EncryptedKey = wk.EncryptedKey[:5]
	if _, err = UnwrapKey(password, wk); !errors.Is(err, u.ErrFormat) {
		t.Errorf("short key: got %v, expected ErrFormat", err)
	}
}

func TestEncryptRoundTrip(t *testing.T) {
	key, _, err := NewKey([]byte("pw"), 10)
	if err != nil {
		t.Fatal(err)
	}

	// Check all of the padding cases.
	for n := 0; n < 3*IVSize; n++ {
		plain := append(RandomBytes(IVSize), RandomBytes(n)...)
		enc := Encrypt(&key, plain)
		if len(enc)%IVSize != 0 || len(enc) <= len(plain) {
			t.Errorf("%d: unexpected ciphertext length %d", n, len(enc))
		}
		dec, err := Decrypt(&key, enc)
		if err != nil {
			t.Errorf("%d: decrypt: %v", n, err)
		} else if !bytes.Equal(dec, plain) {
			t.Errorf("%d: plaintext mismatch", n)
		}
	}

	if _, err := Decrypt(&key, []byte("short")); !errors.Is(err, u.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for truncated file, got %v", err)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	// Runs of repeated phrases separated by random bytes; compressible by
	// both methods but not trivially so.
	rng := rand.New(rand.NewSource(5))
	phrases := make([][]byte, 32)
	for i := range phrases {
		phrases[i] = make([]byte, 8+rng.Intn(56))
		rng.Read(phrases[i])
	}
	var b []byte
	for len(b) < 200000 {
		b = append(b, phrases[rng.Intn(len(phrases))]...)
		if rng.Intn(4) == 0 {
			b = append(b, byte(rng.Intn(256)))
		}
	}

	for _, method := range []string{MethodLZMA, MethodLZ4} {
		c, err := Compress(method, []byte("prefix"), b)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if !bytes.HasPrefix(c, []byte("prefix")) {
			t.Errorf("%s: dst prefix not preserved", method)
		}
		if len(c) >= len(b) {
			t.Errorf("%s: compressed %d bytes to %d", method, len(b), len(c))
		}
		if method == MethodLZ4 && !bytes.HasPrefix(c[len("prefix"):], []byte{0x04, 0x22, 0x4d, 0x18}) {
			t.Errorf("lz4: output doesn't start with the lz4 frame magic number")
		}
		d, err := Decompress(method, c[len("prefix"):])
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if !bytes.Equal(d, b) {
			t.Errorf("%s: round trip mismatch", method)
		}

		if _, err := Decompress(method, []byte("definitely not compressed")); !errors.Is(err, u.ErrCorrupt) {
			t.Errorf("%s: expected ErrCorrupt for garbage, got %v", method, err)
		}
	}

	if _, err := Compress("zip", nil, b); !errors.Is(err, u.ErrFormat) {
		t.Errorf("expected ErrFormat for unknown method, got %v", err)
	}
}

func TestReadPasswordFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "pw")
	if err := os.WriteFile(fn, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	pw, err := ReadPasswordFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(pw) != "s3cret" {
		t.Errorf("got password %q", pw)
	}

	if _, err := ReadPasswordFile(fn + ".missing"); !errors.Is(err, u.ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}
