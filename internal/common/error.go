package common

import "fmt"

var (
	ErrKeyNotFoundError    = fmt.Errorf("key not found")
	ErrJobNotFoundError    = fmt.Errorf("job not found")
	ErrEmptyURLListError   = fmt.Errorf("url list is empty")
	ErrInvalidTransition   = fmt.Errorf("invalid job state transition")
	ErrStaleResumeData     = fmt.Errorf("resume data is stale")
	ErrFileNotFoundError   = fmt.Errorf("file not found")
	ErrUnknownMessageType  = fmt.Errorf("unknown message type")
	ErrBusAlreadyConsuming = fmt.Errorf("bus consume loop has already started")
)
