package call

import "errors"

// Errors returned to callers of the Coordinator API. None of them change
// the state of the current session.
var (
	ErrClosed         = errors.New("call coordinator closed")
	ErrInvalidState   = errors.New("operation not valid in the current call state")
	ErrNoActiveCall   = errors.New("no active call")
	ErrAudioOnly      = errors.New("camera is not available in an audio call")
	ErrInvalidRequest = errors.New("invalid call request")
)

// Errors carried by terminal snapshots
var (
	ErrConnectionLost     = errors.New("peer connection lost")
	ErrNegotiationTimeout = errors.New("call was not established in time")
	ErrInternal           = errors.New("internal call coordinator failure")
)
