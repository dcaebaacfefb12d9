// internal/types/ids.go
package types

import "github.com/google/uuid"

type SessionID string
type RunID string
type InteractionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewInteractionID() InteractionID {
	return InteractionID(uuid.New().String())
}
