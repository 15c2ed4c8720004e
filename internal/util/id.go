package util

import "github.com/google/uuid"

// NewCardID returns a client-generated roster card identifier. Guest-mode
// cards keep this id forever; authenticated cards are re-keyed by the server
// on first sync.
func NewCardID() string {
	return uuid.NewString()
}

// NewOriginID identifies this process on the shared-cache change channel so
// a process can tell its own writes apart from other tabs'.
func NewOriginID() string {
	return uuid.NewString()
}
