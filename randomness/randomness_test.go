package randomness

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestSeeded_Deterministic tests that equal seeds yield equal streams and
// different seeds diverge.
func TestSeeded_Deterministic(t *testing.T) {
	a, err := NewSeeded([]byte("seed"))
	require.NoError(t, err)
	b, err := NewSeeded([]byte("seed"))
	require.NoError(t, err)
	c, err := NewSeeded([]byte("other"))
	require.NoError(t, err)

	bufA := make([]byte, 64)
	bufB := make([]byte, 64)
	bufC := make([]byte, 64)
	require.NoError(t, Fill(a, bufA))
	require.NoError(t, Fill(b, bufB))
	require.NoError(t, Fill(c, bufC))

	assert.Equal(t, bufA, bufB)
	assert.NotEqual(t, bufA, bufC)
	assert.NotEqual(t, make([]byte, 64), bufA)
}

// TestSeeded_ChunkingIndependent tests that the stream does not depend on
// how reads are split.
func TestSeeded_ChunkingIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.SliceOf(rapid.Byte()).Draw(t, "seed").([]byte)
		split := rapid.IntRange(0, 128).Draw(t, "split").(int)

		whole, err := NewSeeded(seed)
		if err != nil {
			t.Fatal(err)
		}
		parts, err := NewSeeded(seed)
		if err != nil {
			t.Fatal(err)
		}

		want := make([]byte, 128)
		_, _ = whole.Read(want)

		got := make([]byte, 128)
		_, _ = parts.Read(got[:split])
		_, _ = parts.Read(got[split:])

		if !bytes.Equal(want, got) {
			t.Fatalf("stream differs when split at %d", split)
		}
	})
}

type failingReader struct{ n int }

func (f failingReader) Read(p []byte) (int, error) {
	if f.n > 0 {
		return copy(p, make([]byte, f.n)), errors.New("entropy exhausted")
	}
	return 0, errors.New("entropy unavailable")
}

// TestFill_Errors tests error reporting for broken sources.
func TestFill_Errors(t *testing.T) {
	assert.Error(t, Fill(nil, make([]byte, 4)))

	err := Fill(failingReader{}, make([]byte, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy unavailable")

	err = Fill(failingReader{n: 2}, make([]byte, 4))
	assert.ErrorIs(t, err, ErrShortRead)

	assert.NoError(t, Fill(System(), make([]byte, 16)))
}
