package config

import (
	"fmt"
	"strings"
	"time"

	"replog/pkg/logerrors"
	"replog/pkg/logfile"
)

// Config is the root node configuration.
// yaml/toml tags drive parsing, validate tags document the constraints
// enforced by Validate.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" toml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" toml:"http-server" validate:"required"`
	Node      NodeConfig      `yaml:"node" toml:"node" validate:"required"`
	WAL       WALConfig       `yaml:"wal" toml:"wal" validate:"required"`
	Peers     []PeerConfig    `yaml:"peers" toml:"peers"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper" toml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level" toml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json" toml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" toml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type NodeConfig struct {
	Replica     uint32 `yaml:"replica" toml:"replica" validate:"ltfield=NumReplicas"`
	NumReplicas int    `yaml:"num_replicas" toml:"num_replicas" validate:"required,min=1"`
	// Address is what peers use to reach this node's HTTP server.
	Address string `yaml:"address" toml:"address"`
	// LeaderAddress falls back to the address of peer 0.
	LeaderAddress string `yaml:"leader_address" toml:"leader_address"`
}

type WALConfig struct {
	Dir             string        `yaml:"dir" toml:"dir" validate:"required"`
	MaxClients      int           `yaml:"max_clients" toml:"max_clients" validate:"min=0"`
	RecoveryPolicy  string        `yaml:"recovery_policy" toml:"recovery_policy" validate:"oneof=skip fail"`
	Sync            string        `yaml:"sync" toml:"sync" validate:"oneof=always disabled"`
	FullReplay      bool          `yaml:"full_replay" toml:"full_replay"`
	InboxSize       int           `yaml:"inbox_size" toml:"inbox_size" validate:"min=1"`
	CatchUpInterval time.Duration `yaml:"catch_up_interval" toml:"catch_up_interval"`
}

type PeerConfig struct {
	ID      uint32 `yaml:"id" toml:"id"`
	Address string `yaml:"address" toml:"address" validate:"required"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers" toml:"servers"`
	Root           string        `yaml:"root" toml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout" toml:"session_timeout"`
}

// Enabled reports whether replica discovery through ZooKeeper is configured.
func (z ZooKeeperConfig) Enabled() bool {
	return len(z.Servers) > 0
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Node: NodeConfig{
			Replica:     0,
			NumReplicas: 1,
			Address:     "localhost:8080",
		},
		WAL: WALConfig{
			Dir:             "./data/wal",
			MaxClients:      1024,
			RecoveryPolicy:  "skip",
			Sync:            "always",
			FullReplay:      true,
			InboxSize:       256,
			CatchUpInterval: time.Second,
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/replog",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// LeaderAddress returns the address followers send acks to.
func (c *Config) LeaderAddress() string {
	if c.Node.LeaderAddress != "" {
		return c.Node.LeaderAddress
	}
	for _, p := range c.Peers {
		if p.ID == 0 {
			return p.Address
		}
	}
	return ""
}

// Validate checks the constraints the node relies on at startup.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return invalid("logger.level %q", c.Logger.Level)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("http-server.port %d", c.Server.Port)
	}
	if c.Node.NumReplicas < 1 {
		return invalid("node.num_replicas %d", c.Node.NumReplicas)
	}
	if int(c.Node.Replica) >= c.Node.NumReplicas {
		return invalid("node.replica %d of %d", c.Node.Replica, c.Node.NumReplicas)
	}
	if c.WAL.Dir == "" {
		return invalid("empty wal.dir")
	}
	if c.WAL.MaxClients < 0 {
		return invalid("wal.max_clients %d", c.WAL.MaxClients)
	}
	if _, err := logfile.ParsePolicy(c.WAL.RecoveryPolicy); err != nil {
		return err
	}
	switch c.WAL.Sync {
	case "", "always", "disabled":
	default:
		return invalid("wal.sync %q", c.WAL.Sync)
	}
	if c.WAL.InboxSize < 1 {
		return invalid("wal.inbox_size %d", c.WAL.InboxSize)
	}
	if c.WAL.CatchUpInterval < 0 {
		return invalid("wal.catch_up_interval %v", c.WAL.CatchUpInterval)
	}

	seen := make(map[uint32]bool, len(c.Peers))
	for _, p := range c.Peers {
		if int(p.ID) >= c.Node.NumReplicas {
			return invalid("peer id %d of %d", p.ID, c.Node.NumReplicas)
		}
		if seen[p.ID] {
			return invalid("duplicate peer id %d", p.ID)
		}
		if p.Address == "" {
			return invalid("peer %d has no address", p.ID)
		}
		seen[p.ID] = true
	}

	if c.Node.Replica != 0 && c.LeaderAddress() == "" && !c.ZooKeeper.Enabled() {
		return invalid("follower %d has no leader address", c.Node.Replica)
	}
	if c.ZooKeeper.Enabled() && !strings.HasPrefix(c.ZooKeeper.Root, "/") {
		return invalid("zookeeper.root %q must be absolute", c.ZooKeeper.Root)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: config: %s", logerrors.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
