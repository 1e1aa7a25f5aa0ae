package tcpstack

import (
	"github.com/pkg/errors"
)

var (
	ErrPortOrTripleReserved  = errors.New("tcp: port or connection already reserved")
	ErrListenerAlreadyExists = errors.New("tcp: port already has a listener")
	ErrRouteBrokeConnection  = errors.New("tcp: segment arrived on an address the connection was not opened on")
	ErrBadHandshake          = errors.New("tcp: bad handshake")
	ErrConnectionGone        = errors.New("tcp: connection no longer exists")
	ErrNotEstablished        = errors.New("tcp: connection not established")
	ErrNoEphemeralPort       = errors.New("tcp: no ephemeral port available")

	errTruncated   = errors.New("segment shorter than its header")
	errBadChecksum = errors.New("bad checksum")
)

// ExternalError wraps a failure reported by the IP layer.
type ExternalError struct {
	Err error
}

func (e *ExternalError) Error() string { return "tcp: ip send: " + e.Err.Error() }

func (e *ExternalError) Cause() error { return e.Err }

func (e *ExternalError) Unwrap() error { return e.Err }
