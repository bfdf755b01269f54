package replica

import "errors"

var (
	ErrReplicaClosed         = errors.New("replica is closed")
	ErrReplicaNotRunning     = errors.New("replica is not running")
	ErrReplicaAlreadyRunning = errors.New("replica is already running")
	ErrUnsupportedPeer       = errors.New("unsupported peer address")
)
