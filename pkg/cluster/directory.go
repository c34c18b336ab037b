// Package cluster keeps the replica address table in ZooKeeper.
//
// Every node registers an ephemeral znode <root>/replicas/<id> holding its
// HTTP address. Watchers rebuild the peer table whenever the set changes.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"replog/pkg/types"
)

const replicasNode = "replicas"

// conn is the part of *zk.Conn the directory uses.
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	State() zk.State
	Close()
}

// PeerSink receives the current replica address table.
type PeerSink interface {
	SetPeers(peers map[types.ReplicaID]string)
}

type Directory struct {
	conn   conn
	root   string
	self   types.ReplicaID
	addr   string
	logger *slog.Logger

	connectTimeout time.Duration
	retryDelay     time.Duration
}

// Connect opens a ZooKeeper session. servers: ["zk1:2181", "zk2:2181"]
func Connect(servers []string, root string, sessionTimeout time.Duration, self types.ReplicaID, addr string, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "zk")

	c, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newDirectory(c, root, self, addr, logger), nil
}

func newDirectory(c conn, root string, self types.ReplicaID, addr string, logger *slog.Logger) *Directory {
	return &Directory{
		conn:           c,
		root:           path.Clean(root),
		self:           self,
		addr:           addr,
		logger:         logger,
		connectTimeout: 10 * time.Second,
		retryDelay:     2 * time.Second,
	}
}

func (d *Directory) Close() error {
	d.conn.Close()
	return nil
}

func (d *Directory) replicasPath() string {
	return path.Join(d.root, replicasNode)
}

func (d *Directory) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register publishes this replica's address as an ephemeral node.
func (d *Directory) Register(ctx context.Context) error {
	if err := d.waitConnected(ctx); err != nil {
		return err
	}
	if err := d.ensurePath(d.replicasPath()); err != nil {
		return fmt.Errorf("ensure replicas path: %w", err)
	}

	nodePath := ReplicaPath(d.root, d.self)
	_, err := d.conn.Create(nodePath, []byte(d.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		// left over from a previous session that has not expired yet
		d.logger.Warn("replica node already registered", "path", nodePath)
	case err != nil:
		return fmt.Errorf("create ephemeral node: %w", err)
	default:
		d.logger.Info("registered replica", "path", nodePath, "addr", d.addr)
	}
	return nil
}

// Peers reads the registered replicas and their addresses.
func (d *Directory) Peers() (map[types.ReplicaID]string, error) {
	children, _, err := d.conn.Children(d.replicasPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return d.readPeers(children)
}

func (d *Directory) readPeers(children []string) (map[types.ReplicaID]string, error) {
	peers := make(map[types.ReplicaID]string, len(children))
	for _, name := range children {
		id, err := ParseReplicaNode(name)
		if err != nil {
			d.logger.Warn("ignoring foreign node", "name", name, "error", err)
			continue
		}
		data, _, err := d.conn.Get(path.Join(d.replicasPath(), name))
		if errors.Is(err, zk.ErrNoNode) {
			// expired between listing and reading
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", name, err)
		}
		peers[id] = string(data)
	}
	return peers, nil
}

// Watch keeps sink in step with the registered replicas until ctx is done.
func (d *Directory) Watch(ctx context.Context, sink PeerSink) {
	for {
		children, _, ch, err := d.conn.ChildrenW(d.replicasPath())
		if err == nil {
			var peers map[types.ReplicaID]string
			peers, err = d.readPeers(children)
			if err == nil {
				sink.SetPeers(peers)
				d.logger.Debug("peer table updated", "peers", len(peers))
			}
		}
		if err != nil {
			d.logger.Warn("replica watch failed", "error", err)
			select {
			case <-time.After(d.retryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case ev := <-ch:
			d.logger.Debug("replica set changed", "event", ev.Type.String(), "path", ev.Path)
		case <-ctx.Done():
			d.logger.Info("watch stopped")
			return
		}
	}
}

func (d *Directory) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		}
	}
}

// ReplicaPath is the znode a replica registers under.
func ReplicaPath(root string, id types.ReplicaID) string {
	return path.Join(root, replicasNode, strconv.FormatUint(uint64(id), 10))
}

// ParseReplicaNode parses the name of a child of the replicas node.
func ParseReplicaNode(name string) (types.ReplicaID, error) {
	id, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad replica node %q: %w", name, err)
	}
	return types.ReplicaID(id), nil
}

// zkLogger routes the client's Printf logging into slog.
type zkLogger struct {
	l *slog.Logger
}

func (z zkLogger) Printf(format string, args ...any) {
	z.l.Debug(fmt.Sprintf(format, args...))
}
