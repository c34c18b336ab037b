package logerrors

import "errors"

var (
	ErrClosed          = errors.New("replog: closed")
	ErrInvalidArgument = errors.New("replog: invalid argument")

	// storage
	ErrCorruptRecord  = errors.New("replog: corrupt record")
	ErrCorruptFrame   = errors.New("replog: corrupt record frame")
	ErrLayoutMismatch = errors.New("replog: offset file layout mismatch")

	// protocol
	ErrOutOfOrder  = errors.New("replog: out-of-order client request")
	ErrNotLeader   = errors.New("replog: not the leader")
	ErrNotFollower = errors.New("replog: not a follower")
	ErrRecovering  = errors.New("replog: recovery in progress")
)
