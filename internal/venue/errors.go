package venue

import "errors"

// Errors
var (
	ErrAlreadyInProgress  = errors.New("connection attempt already in progress")
	ErrInvalidCredentials = errors.New("venue rejected credentials")
	ErrConnectTimeout     = errors.New("connection attempt timed out")
	ErrTransport          = errors.New("transport failure")
	ErrInvalidTransition  = errors.New("invalid connection state transition")
)
