package wal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"replog/pkg/logerrors"
	"replog/pkg/logfile"
	"replog/pkg/metrics"
	"replog/pkg/replication"
	"replog/pkg/request"
	"replog/pkg/types"
)

const (
	DefaultMaxClients      = 1024
	DefaultCatchUpInterval = time.Second

	logFileName          = "log"
	offsetsFileName      = "offsets"
	clientOffsetFileName = "client_offsets"
)

type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync the log after every append
	SyncDisabled SyncMode = "disabled" // leave flushing to the OS
)

type Config struct {
	Dir         string
	Replica     types.ReplicaID
	NumReplicas int
	MaxClients  int
	Policy      logfile.Policy
	Sync        SyncMode
	// FullReplay makes Load start at offset 0 instead of the last
	// acknowledged offset, for handlers that keep state only in memory.
	FullReplay bool
	// CatchUpInterval is the minimum spacing of replay requests a follower
	// sends when it sees a gap in the entries pushed to it.
	CatchUpInterval time.Duration
}

func (c *Config) validate(role Role) error {
	if c.Dir == "" {
		return fmt.Errorf("%w: empty WAL dir", logerrors.ErrInvalidArgument)
	}
	if c.NumReplicas < 1 {
		return fmt.Errorf("%w: num replicas %d", logerrors.ErrInvalidArgument, c.NumReplicas)
	}
	if int(c.Replica) >= c.NumReplicas {
		return fmt.Errorf("%w: replica %d of %d", logerrors.ErrInvalidArgument, c.Replica, c.NumReplicas)
	}
	if role.IsLeader() != (c.Replica == types.LeaderReplica) {
		return fmt.Errorf("%w: replica %d cannot be %s", logerrors.ErrInvalidArgument, c.Replica, role)
	}
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.CatchUpInterval == 0 {
		c.CatchUpInterval = DefaultCatchUpInterval
	}
	if c.CatchUpInterval < 0 {
		return fmt.Errorf("%w: catch-up interval %v", logerrors.ErrInvalidArgument, c.CatchUpInterval)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("%w: max clients %d", logerrors.ErrInvalidArgument, c.MaxClients)
	}
	switch c.Sync {
	case "":
		c.Sync = SyncAlways
	case SyncAlways, SyncDisabled:
	default:
		return fmt.Errorf("%w: sync mode %q", logerrors.ErrInvalidArgument, c.Sync)
	}
	return nil
}

// AppendHook runs after an entry has been appended and acknowledged locally.
type AppendHook func(ctx context.Context, offset types.Offset, req *request.Request)

type Option func(*WAL)

func WithLogger(l *slog.Logger) Option {
	return func(w *WAL) { w.logger = l }
}

func WithMetrics(c metrics.Collector) Option {
	return func(w *WAL) { w.metrics = c }
}

func WithOnAppend(h AppendHook) Option {
	return func(w *WAL) { w.onAppend = h }
}

// nopChannel serves single-replica deployments.
type nopChannel struct{}

func (nopChannel) SendLogEntry(context.Context, types.ReplicaID, types.Offset, []byte) error {
	return nil
}
func (nopChannel) SendAck(context.Context, replication.Ack) error           { return nil }
func (nopChannel) SendReplayRequest(context.Context, replication.Ack) error { return nil }
