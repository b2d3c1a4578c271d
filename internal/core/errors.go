package core

import "errors"

// Failure classes for the join lifecycle. Wrapped with %w at the point of
// failure; callers classify with errors.Is.
var (
	// ErrConnection: the control-channel transport could not be opened, or
	// closed before the Ready/SessionDescription handshake completed.
	ErrConnection = errors.New("voice: connection failed")

	// ErrCredential: the join endpoint returned missing or malformed
	// transport information. Raised before any socket is opened.
	ErrCredential = errors.New("voice: bad credentials")

	// ErrDevice: capture device denied. Recoverable; the join proceeds
	// deafened.
	ErrDevice = errors.New("voice: capture device unavailable")

	// ErrNegotiation: the offer/answer exchange failed or the remote
	// description was malformed.
	ErrNegotiation = errors.New("voice: negotiation failed")
)
