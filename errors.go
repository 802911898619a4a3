package gearman

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg = errors.New("client: invalid options")
	ErrNoFunction = errors.New("client: job function name is empty")
	ErrNoServers  = errors.New("client: server list is empty")
	ErrClosed     = errors.New("client: client was closed")

	ErrProtocol       = errors.New("conn: malformed packet")
	ErrPacketTooLarge = errors.New("conn: packet exceeds maximum size")

	ErrServerUnavailable = errors.New("pool: server is inside its backoff window")
	ErrNoServerAvailable = errors.New("pool: no job server reachable")

	ErrServerError = errors.New("batch: server reported an error packet")
	ErrJobFailed   = errors.New("batch: job failed on the server")
	ErrTimedOut    = errors.New("batch: deadline elapsed before the job resolved")

	ErrBadHandle     = errors.New("handle: not in host:port//id form")
	ErrUnknownHandle = errors.New("client: server does not know this handle")

	ErrAdminTruncated = errors.New("admin: response ended before the terminator line")
)

// RemoteException carries the opaque exception payload a worker attached to
// a WORK_EXCEPTION packet. It only surfaces when exception propagation was
// negotiated on the connection and the job registered OnException.
type RemoteException struct {
	Handle Handle
	Data   []byte
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("batch: job %s raised a remote exception (%d bytes)", e.Handle, len(e.Data))
}
