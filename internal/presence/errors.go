package presence

import "errors"

// Registry-related errors
var (
	ErrNilSession       = errors.New("session cannot be nil")
	ErrAnonymousSession = errors.New("session must carry an identity before registration")
)
