package main

import (
	"log/slog"
	"os"
	"strings"

	"replog/pkg/config"
	"replog/pkg/logfile"
	"replog/pkg/types"
	"replog/pkg/wal"
)

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: parseLevel(cfg.Logger.Level)}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// walConfig adapts the node config to the WAL's.
func walConfig(cfg *config.Config) (wal.Config, wal.Role, error) {
	policy, err := logfile.ParsePolicy(cfg.WAL.RecoveryPolicy)
	if err != nil {
		return wal.Config{}, wal.Role{}, err
	}
	replica := types.ReplicaID(cfg.Node.Replica)
	return wal.Config{
		Dir:             cfg.WAL.Dir,
		Replica:         replica,
		NumReplicas:     cfg.Node.NumReplicas,
		MaxClients:      cfg.WAL.MaxClients,
		Policy:          policy,
		Sync:            wal.SyncMode(cfg.WAL.Sync),
		FullReplay:      cfg.WAL.FullReplay,
		CatchUpInterval: cfg.WAL.CatchUpInterval,
	}, wal.RoleFor(replica, cfg.LeaderAddress()), nil
}

// staticPeers returns the peer table from the config file.
func staticPeers(cfg *config.Config) map[types.ReplicaID]string {
	peers := make(map[types.ReplicaID]string, len(cfg.Peers)+1)
	for _, p := range cfg.Peers {
		peers[types.ReplicaID(p.ID)] = p.Address
	}
	if addr := cfg.LeaderAddress(); addr != "" {
		peers[types.LeaderReplica] = addr
	}
	return peers
}
