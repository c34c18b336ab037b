// Package wal is the replicated write-ahead log engine.
//
// A WAL owns three files in its directory: the append-only record log, the
// per-replica acknowledged offsets and, on the leader, the per-client request
// sequence numbers. The leader admits client requests in per-client order,
// appends them, acknowledges them locally and pushes them to followers.
// Followers apply what the leader sends, offset-checked, and report back.
// After a restart a follower asks the leader to replay what it missed.
package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"replog/pkg/logerrors"
	"replog/pkg/logfile"
	"replog/pkg/metrics"
	"replog/pkg/offsets"
	"replog/pkg/replication"
	"replog/pkg/request"
	"replog/pkg/types"
)

// WAL implements replicated write-ahead logging
type WAL struct {
	cfg      Config
	role     Role
	channel  replication.Channel
	logger   *slog.Logger
	metrics  metrics.Collector
	onAppend AppendHook

	log     *logfile.LogFile
	offsets *offsets.ReplicaStore
	clients *offsets.ClientStore // leader only

	state atomic.Int32

	// appendMu makes the expected-offset check and the append one step.
	appendMu   sync.Mutex
	lastOffset types.Offset
	lastEntry  []byte

	// writeMu serializes the leader's client write path.
	writeMu sync.Mutex
	// admit[c] guards the read-check-write of client c's offset; ids over
	// the cap share the last mutex.
	admit []sync.Mutex
	// ackMu[r] guards the read-check-write of replica r's offset.
	ackMu []sync.Mutex

	// catchingUp is set while a gap-triggered replay request is being sent;
	// lastCatchUp holds its start in unix nanoseconds.
	catchingUp  atomic.Bool
	lastCatchUp atomic.Int64
}

// New opens (or creates) the WAL in cfg.Dir and recovers the log size.
// The WAL starts in StateRecovering; call Recover or drain Load to serve.
func New(cfg Config, role Role, ch replication.Channel, opts ...Option) (*WAL, error) {
	if err := cfg.validate(role); err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Clean(cfg.Dir)

	w := &WAL{
		cfg:        cfg,
		role:       role,
		channel:    ch,
		logger:     slog.Default(),
		metrics:    metrics.Nop{},
		lastOffset: types.NoOffset,
		ackMu:      make([]sync.Mutex, cfg.NumReplicas),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.channel == nil {
		if cfg.NumReplicas > 1 {
			return nil, fmt.Errorf("%w: replication channel required for %d replicas", logerrors.ErrInvalidArgument, cfg.NumReplicas)
		}
		w.channel = nopChannel{}
	}
	w.logger = w.logger.With("replica", cfg.Replica, "role", role.String())

	var err error
	w.log, err = logfile.Open(filepath.Join(cfg.Dir, logFileName), logfile.Options{
		Validate: request.Check,
		Policy:   cfg.Policy,
		Logger:   w.logger,
		Metrics:  w.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL log: %w", err)
	}

	w.offsets, err = offsets.OpenReplicaStore(filepath.Join(cfg.Dir, offsetsFileName), cfg.NumReplicas)
	if err != nil {
		w.closeQuietly()
		return nil, err
	}

	if role.IsLeader() {
		w.clients, err = offsets.OpenClientStore(filepath.Join(cfg.Dir, clientOffsetFileName), cfg.MaxClients)
		if err != nil {
			w.closeQuietly()
			return nil, err
		}
		w.admit = make([]sync.Mutex, cfg.MaxClients+1)
	}

	if err := w.loadSize(); err != nil {
		w.closeQuietly()
		return nil, err
	}

	return w, nil
}

// loadSize replays the log once to learn its size and last entry.
func (w *WAL) loadSize() error {
	n, last, err := w.log.RecoverSize()
	if err != nil {
		return fmt.Errorf("failed to load WAL size: %w", err)
	}
	w.lastOffset = types.Offset(n - 1)
	w.lastEntry = last
	w.metrics.SetGauge("wal_size", nil, float64(n))

	acked, err := w.offsets.Get(w.cfg.Replica)
	if err != nil {
		return err
	}
	if acked > w.lastOffset {
		w.logger.Warn("acknowledged offset is beyond the end of the log",
			"acked", acked,
			"last_offset", w.lastOffset)
	}
	w.logger.Info("WAL opened", "dir", w.cfg.Dir, "size", n, "acked", acked)
	return nil
}

// Role returns the role the WAL was opened with.
func (w *WAL) Role() Role { return w.role }

// Replica returns this replica's id.
func (w *WAL) Replica() types.ReplicaID { return w.cfg.Replica }

// State reports whether the WAL is still recovering or already serving.
func (w *WAL) State() State { return State(w.state.Load()) }

// Size returns the number of entries in the log.
func (w *WAL) Size() int64 { return w.log.Size() }

// IsNext is the per-client admission check. On the leader it accepts
// clientOffset 0 (a client starting over, which resets its stored offset) or
// exactly the stored offset plus one, and records the admitted offset.
// Followers accept everything and keep no client state. Client ids over the
// MaxClients cap have no slot and are always accepted.
func (w *WAL) IsNext(c types.ClientID, clientOffset types.ClientOffset) (bool, error) {
	if !w.role.IsLeader() || !w.clients.Tracked(c) {
		return true, nil
	}

	mu := w.admitLock(c)
	mu.Lock()
	defer mu.Unlock()

	if clientOffset == 0 {
		if err := w.clients.Set(c, 0); err != nil {
			return false, fmt.Errorf("failed to reset client offset: %w", err)
		}
		return true, nil
	}

	stored, err := w.clients.Get(c)
	if err != nil {
		return false, fmt.Errorf("failed to read client offset: %w", err)
	}
	if clientOffset != stored+1 {
		return false, nil
	}
	if err := w.clients.Set(c, clientOffset); err != nil {
		return false, fmt.Errorf("failed to record client offset: %w", err)
	}
	return true, nil
}

// ClientOffset returns the last accepted sequence of client c; 0 on followers.
func (w *WAL) ClientOffset(c types.ClientID) (types.ClientOffset, error) {
	if !w.role.IsLeader() {
		return 0, nil
	}
	return w.clients.Get(c)
}

// SetClientOffset raises client c's stored offset to clientOffset. It never
// lowers it.
func (w *WAL) SetClientOffset(c types.ClientID, clientOffset types.ClientOffset) error {
	if !w.role.IsLeader() {
		return nil
	}

	mu := w.admitLock(c)
	mu.Lock()
	defer mu.Unlock()

	stored, err := w.clients.Get(c)
	if err != nil {
		return err
	}
	if stored > clientOffset {
		return nil
	}
	return w.clients.Set(c, clientOffset)
}

func (w *WAL) admitLock(c types.ClientID) *sync.Mutex {
	i := len(w.admit) - 1
	if c < types.ClientID(i) {
		i = int(c)
	}
	return &w.admit[i]
}

// Put appends req unconditionally.
func (w *WAL) Put(req *request.Request) (types.Offset, error) {
	off, _, err := w.put(request.Encode(req), types.NoOffset)
	return off, err
}

// PutAt appends req only if the log currently holds exactly expected
// entries. Otherwise nothing is written and ok is false: a retried write
// with a stale offset is dropped instead of duplicated.
func (w *WAL) PutAt(req *request.Request, expected types.Offset) (off types.Offset, ok bool, err error) {
	if !expected.Valid() {
		return types.NoOffset, false, fmt.Errorf("%w: expected offset %d", logerrors.ErrInvalidArgument, expected)
	}
	return w.put(request.Encode(req), expected)
}

func (w *WAL) put(entry []byte, expected types.Offset) (types.Offset, bool, error) {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()

	if expected != types.NoOffset {
		if size := w.log.Size(); int64(expected) != size {
			w.metrics.IncCounter("wal_stale_puts_total", nil, 1)
			w.logger.Debug("dropping put with stale expected offset", "expected", expected, "size", size)
			return types.NoOffset, false, nil
		}
	}

	off, err := w.log.Append(entry)
	if err != nil {
		return types.NoOffset, false, fmt.Errorf("failed to append WAL entry: %w", err)
	}
	if w.cfg.Sync == SyncAlways {
		if err := w.log.Sync(); err != nil {
			return types.NoOffset, false, err
		}
	}

	w.lastOffset, w.lastEntry = off, entry
	w.metrics.SetGauge("wal_size", nil, float64(off+1))
	return off, true, nil
}

// Ack records offset as this replica's acknowledged position. The leader
// then pushes the entry to every follower; a follower reports the ack to
// the leader. Channel failures are logged, not returned.
func (w *WAL) Ack(ctx context.Context, offset types.Offset) error {
	if !offset.Valid() || int64(offset) >= w.log.Size() {
		return fmt.Errorf("%w: ack of offset %d with log size %d", logerrors.ErrInvalidArgument, offset, w.log.Size())
	}
	if err := w.recordOffset(w.cfg.Replica, offset); err != nil {
		return err
	}

	if !w.role.IsLeader() {
		ack := replication.Ack{Replica: w.cfg.Replica, Offset: offset}
		if err := w.channel.SendAck(ctx, ack); err != nil {
			w.logger.Warn("failed to send ack to leader", "offset", offset, "error", err)
		}
		return nil
	}

	entry, err := w.entryAt(offset)
	if err != nil {
		return err
	}
	for r := 1; r < w.cfg.NumReplicas; r++ {
		if err := w.channel.SendLogEntry(ctx, types.ReplicaID(r), offset, entry); err != nil {
			w.logger.Warn("failed to send log entry to follower",
				"follower", r,
				"offset", offset,
				"error", err)
		}
	}
	return nil
}

// recordOffset stores r's acknowledged offset, flagging a regression.
func (w *WAL) recordOffset(r types.ReplicaID, offset types.Offset) error {
	if int(r) >= len(w.ackMu) {
		return fmt.Errorf("%w: replica %d", logerrors.ErrInvalidArgument, r)
	}
	w.ackMu[r].Lock()
	defer w.ackMu[r].Unlock()

	prev, err := w.offsets.Get(r)
	if err != nil {
		return err
	}
	if prev > offset {
		w.metrics.IncCounter("wal_ack_regressions_total", nil, 1)
		w.logger.Warn("out-of-order ack",
			"for_replica", r,
			"previous", prev,
			"offset", offset)
	}
	if err := w.offsets.Set(r, offset); err != nil {
		return fmt.Errorf("failed to store offset for replica %d: %w", r, err)
	}
	w.metrics.SetGauge("wal_replica_offset", map[string]string{"replica": strconv.Itoa(int(r))}, float64(offset))
	return nil
}

// ReplicaOffset returns the acknowledged offset recorded for replica r.
func (w *WAL) ReplicaOffset(r types.ReplicaID) (types.Offset, error) {
	return w.offsets.Get(r)
}

// entryAt returns the encoded entry at offset, from the cache when it is
// the newest one.
func (w *WAL) entryAt(offset types.Offset) ([]byte, error) {
	w.appendMu.Lock()
	if offset == w.lastOffset && w.lastEntry != nil {
		entry := w.lastEntry
		w.appendMu.Unlock()
		return entry, nil
	}
	w.appendMu.Unlock()

	seq, err := w.log.ReadSequence(offset)
	if err != nil {
		return nil, err
	}
	defer w.closeSequence(seq)

	if seq.Next() && seq.Offset() == offset {
		return seq.Record(), nil
	}
	if err := seq.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entry %d: %w", offset, err)
	}
	return nil, fmt.Errorf("%w: no entry at offset %d", logerrors.ErrInvalidArgument, offset)
}

// RemoteAck handles a follower's ack on the leader. The reported offset is
// recorded for that follower. With replay set, every entry after start is
// streamed to it; the count must equal the leader's own acknowledged offset
// minus start, and a difference is logged as an error.
func (w *WAL) RemoteAck(ctx context.Context, start types.Offset, replica types.ReplicaID, replay bool) error {
	if !w.role.IsLeader() {
		return logerrors.ErrNotLeader
	}
	if replica == types.LeaderReplica || int(replica) >= w.cfg.NumReplicas {
		return fmt.Errorf("%w: ack from replica %d", logerrors.ErrInvalidArgument, replica)
	}

	if start.Valid() {
		if err := w.recordOffset(replica, start); err != nil {
			return err
		}
	}
	if !replay {
		return nil
	}

	w.logger.Info("replaying log to follower", "follower", replica, "after", start)

	seq, err := w.log.ReadSequence(start.Next())
	if err != nil {
		return fmt.Errorf("failed to open replay sequence: %w", err)
	}
	defer w.closeSequence(seq)

	var sent int64
	for seq.Next() {
		if err := w.channel.SendLogEntry(ctx, replica, seq.Offset(), seq.Record()); err != nil {
			return fmt.Errorf("replay to replica %d stopped at offset %d: %w", replica, seq.Offset(), err)
		}
		sent++
	}
	if err := seq.Err(); err != nil {
		return fmt.Errorf("replay to replica %d: %w", replica, err)
	}
	w.metrics.IncCounter("wal_replayed_entries_total", nil, float64(sent))

	own, err := w.offsets.Get(w.cfg.Replica)
	if err != nil {
		return err
	}
	if want := int64(own - start); sent != want {
		w.metrics.IncCounter("wal_replay_mismatch_total", nil, 1)
		w.logger.Error("INCORRECT LENGTH OF REPLAY LOG",
			"follower", replica,
			"start", start,
			"leader_offset", own,
			"sent", sent,
			"expected", want)
	}
	return nil
}

// ReplayRequest builds the message a follower sends the leader after
// reconnecting: its own acknowledged offset with the replay flag set.
func (w *WAL) ReplayRequest() (replication.Ack, error) {
	own, err := w.offsets.Get(w.cfg.Replica)
	if err != nil {
		return replication.Ack{}, err
	}
	return replication.Ack{Replica: w.cfg.Replica, Offset: own, Replay: true}, nil
}

// RequestReplay asks the leader for everything after this follower's
// acknowledged offset.
func (w *WAL) RequestReplay(ctx context.Context) error {
	if w.role.IsLeader() {
		return logerrors.ErrNotFollower
	}
	ack, err := w.ReplayRequest()
	if err != nil {
		return err
	}
	w.logger.Info("requesting replay from leader", "after", ack.Offset, "leader", w.role.LeaderAddress())
	return w.channel.SendReplayRequest(ctx, ack)
}

// AppendRequest is the leader write path: admission check, append, ack.
func (w *WAL) AppendRequest(ctx context.Context, req *request.Request) (types.Offset, error) {
	if !w.role.IsLeader() {
		return types.NoOffset, fmt.Errorf("%w: leader is %s", logerrors.ErrNotLeader, w.role.LeaderAddress())
	}
	if w.State() != StateServing {
		return types.NoOffset, logerrors.ErrRecovering
	}
	if err := req.Validate(); err != nil {
		return types.NoOffset, err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	prev, err := w.ClientOffset(req.ClientID)
	if err != nil {
		return types.NoOffset, err
	}
	ok, err := w.IsNext(req.ClientID, req.ClientOffset)
	if err != nil {
		return types.NoOffset, err
	}
	if !ok {
		w.metrics.IncCounter("wal_rejected_total", nil, 1)
		return types.NoOffset, fmt.Errorf("%w: client %d sent %d, expected %d",
			logerrors.ErrOutOfOrder, req.ClientID, req.ClientOffset, prev+1)
	}

	off, err := w.Put(req)
	if err != nil {
		// the request never made it into the log; let the client retry it
		if rerr := w.clients.Set(req.ClientID, prev); rerr != nil {
			w.logger.Error("failed to restore client offset", "client", req.ClientID, "error", rerr)
		}
		return types.NoOffset, err
	}
	if err := w.Ack(ctx, off); err != nil {
		return off, err
	}
	w.metrics.IncCounter("wal_appends_total", nil, 1)

	if w.onAppend != nil {
		w.onAppend(ctx, off, req)
	}
	return off, nil
}

// HandleLogEntry applies an entry pushed by the leader. Entries that do not
// land exactly at the end of the log are dropped; an entry past the end
// means one was missed and triggers a replay request.
func (w *WAL) HandleLogEntry(ctx context.Context, e replication.LogEntry) error {
	if w.role.IsLeader() {
		return logerrors.ErrNotFollower
	}
	if e.To != w.cfg.Replica {
		return fmt.Errorf("%w: entry for replica %d delivered to %d", logerrors.ErrInvalidArgument, e.To, w.cfg.Replica)
	}
	if !e.Offset.Valid() {
		return fmt.Errorf("%w: entry offset %d", logerrors.ErrInvalidArgument, e.Offset)
	}
	req, err := request.Decode(e.Entry)
	if err != nil {
		return fmt.Errorf("rejecting entry %d: %w", e.Offset, err)
	}

	off, ok, err := w.put(e.Entry, e.Offset)
	if err != nil {
		return err
	}
	if !ok {
		size := w.log.Size()
		w.logger.Debug("ignoring entry not at end of log", "offset", e.Offset, "size", size)
		if int64(e.Offset) > size {
			w.catchUp(ctx, e.Offset)
		}
		return nil
	}
	if err := w.Ack(ctx, off); err != nil {
		return err
	}

	if w.onAppend != nil {
		w.onAppend(ctx, off, req)
	}
	return nil
}

// catchUp asks the leader to replay after a gap. At most one request is in
// flight and requests are spaced by CatchUpInterval.
func (w *WAL) catchUp(ctx context.Context, seen types.Offset) {
	if !w.catchingUp.CompareAndSwap(false, true) {
		return
	}
	defer w.catchingUp.Store(false)

	now := time.Now().UnixNano()
	if last := w.lastCatchUp.Load(); last != 0 && now-last < int64(w.cfg.CatchUpInterval) {
		return
	}
	w.lastCatchUp.Store(now)

	w.metrics.IncCounter("wal_catchup_requests_total", nil, 1)
	w.logger.Info("gap in replicated log", "seen", seen, "size", w.log.Size())
	if err := w.RequestReplay(ctx); err != nil {
		w.logger.Warn("failed to request replay", "error", err)
	}
}

// HandleAck processes a follower's ack or replay request on the leader.
func (w *WAL) HandleAck(ctx context.Context, ack replication.Ack) error {
	return w.RemoteAck(ctx, ack.Offset, ack.Replica, ack.Replay)
}

// Status is a point-in-time view for operators.
type Status struct {
	Replica types.ReplicaID                  `json:"replica"`
	Role    string                           `json:"role"`
	State   string                           `json:"state"`
	Size    int64                            `json:"size"`
	Offsets map[types.ReplicaID]types.Offset `json:"offsets"`
}

func (w *WAL) Status() (Status, error) {
	st := Status{
		Replica: w.cfg.Replica,
		Role:    w.role.String(),
		State:   w.State().String(),
		Size:    w.log.Size(),
		Offsets: make(map[types.ReplicaID]types.Offset, w.cfg.NumReplicas),
	}
	for r := 0; r < w.cfg.NumReplicas; r++ {
		off, err := w.offsets.Get(types.ReplicaID(r))
		if err != nil {
			return Status{}, err
		}
		st.Offsets[types.ReplicaID(r)] = off
	}
	return st, nil
}

func (w *WAL) Close() error {
	var errs []error
	if w.log != nil {
		errs = append(errs, w.log.Close())
	}
	if w.offsets != nil {
		errs = append(errs, w.offsets.Close())
	}
	if w.clients != nil {
		errs = append(errs, w.clients.Close())
	}
	return errors.Join(errs...)
}

func (w *WAL) closeQuietly() {
	if err := w.Close(); err != nil {
		w.logger.Warn("failed to close WAL after open error", "error", err)
	}
}

func (w *WAL) closeSequence(seq *logfile.Sequence) {
	if err := seq.Close(); err != nil {
		w.logger.Warn("failed to close WAL read file", "error", err)
	}
}
