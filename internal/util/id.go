package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a short random hex id used for request and message ids.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewResourceID returns a server-owned id for users, threads and documents.
func NewResourceID() string {
	return uuid.NewString()
}
