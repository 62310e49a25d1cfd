// Package randomness supplies the byte sources used to mint connection
// identifiers.
//
// Production code uses System, the operating system CSPRNG. Tests that need
// reproducible identifiers use NewSeeded, which expands a seed into a
// ChaCha20 keystream.
package randomness

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// ErrShortRead is returned by Fill when the source produced fewer bytes
// than requested.
var ErrShortRead = errors.New("randomness: short read")

// System returns the operating system CSPRNG.
func System() io.Reader {
	return rand.Reader
}

// Seeded is a deterministic stream keyed by blake2b-256(seed). It is safe
// for concurrent use. It must never be used where unpredictability matters.
type Seeded struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

// NewSeeded creates a deterministic stream. Equal seeds produce equal
// streams.
func NewSeeded(seed []byte) (*Seeded, error) {
	key := blake2b.Sum256(seed)
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("randomness: keystream setup: %w", err)
	}
	return &Seeded{cipher: c}, nil
}

// Read fills p with the next len(p) keystream bytes. It never fails.
func (s *Seeded) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(p)
	s.cipher.XORKeyStream(p, p)
	return len(p), nil
}

// Fill reads exactly len(p) bytes from r.
func Fill(r io.Reader, p []byte) error {
	if r == nil {
		return errors.New("randomness: nil source")
	}
	n, err := io.ReadFull(r, p)
	if err != nil {
		if n > 0 || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, len(p))
		}
		return fmt.Errorf("randomness: read: %w", err)
	}
	return nil
}
