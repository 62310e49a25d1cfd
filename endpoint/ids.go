package endpoint

import (
	"encoding/hex"
	"io"

	"github.com/google/uuid"
)

// ConnectionID names a connection to the application. It is drawn from
// the Endpoint's randomness source in RFC 4122 version 4 layout.
type ConnectionID [16]byte

// String returns the lowercase hex form.
func (id ConnectionID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value, which is never issued.
func (id ConnectionID) IsZero() bool {
	return id == ConnectionID{}
}

func newConnectionID(rnd io.Reader) (ConnectionID, error) {
	u, err := uuid.NewRandomFromReader(rnd)
	if err != nil {
		return ConnectionID{}, err
	}
	return ConnectionID(u), nil
}
