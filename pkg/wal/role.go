package wal

import (
	"fmt"

	"replog/pkg/types"
)

// Role is fixed for the lifetime of a WAL: replica 0 leads, everyone else
// follows a leader at a known address.
type Role struct {
	follower   bool
	leaderAddr string
}

func Leader() Role {
	return Role{}
}

func Follower(leaderAddr string) Role {
	return Role{follower: true, leaderAddr: leaderAddr}
}

// RoleFor derives the role from a replica index.
func RoleFor(replica types.ReplicaID, leaderAddr string) Role {
	if replica == types.LeaderReplica {
		return Leader()
	}
	return Follower(leaderAddr)
}

func (r Role) IsLeader() bool {
	return !r.follower
}

// LeaderAddress is empty on the leader.
func (r Role) LeaderAddress() string {
	return r.leaderAddr
}

func (r Role) String() string {
	if r.IsLeader() {
		return "leader"
	}
	return fmt.Sprintf("follower(%s)", r.leaderAddr)
}

// State is the WAL lifecycle: Recovering until the startup replay finishes,
// then Serving.
type State int32

const (
	StateRecovering State = iota
	StateServing
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateServing:
		return "serving"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
