package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"

	apphttp "replog/internal/http"
	"replog/pkg/cluster"
	"replog/pkg/config"
	"replog/pkg/kv"
	"replog/pkg/metrics"
	"replog/pkg/replication"
	"replog/pkg/request"
	"replog/pkg/types"
	"replog/pkg/wal"
)

const replayRetryDelay = 2 * time.Second

func main() {
	configPath := flag.String("config", "replog.yaml", "path to the YAML or TOML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "replogd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := initLogger(&cfg)

	walCfg, role, err := walConfig(&cfg)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	reg.Prometheus().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	channel := replication.NewHTTPChannel(staticPeers(&cfg), logger)
	store := kv.New()

	apply := func(ctx context.Context, off types.Offset, req *request.Request) {
		if _, err := store.Apply(ctx, off, req); err != nil {
			logger.Error("failed to apply entry", "offset", off, "error", err)
		}
	}
	journal, err := wal.New(walCfg, role, channel,
		wal.WithLogger(logger),
		wal.WithMetrics(reg),
		wal.WithOnAppend(apply))
	if err != nil {
		return fmt.Errorf("failed to init WAL: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warn("failed to close WAL", "error", err)
		}
	}()

	// --- ZooKeeper replica directory ---
	if cfg.ZooKeeper.Enabled() {
		dir, err := cluster.Connect(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, cfg.ZooKeeper.SessionTimeout,
			walCfg.Replica, cfg.Node.Address, logger)
		if err != nil {
			return err
		}
		defer dir.Close()

		if err := dir.Register(ctx); err != nil {
			return fmt.Errorf("failed to register in ZooKeeper: %w", err)
		}
		go dir.Watch(ctx, channel)
	}

	// --- recovery ---
	start := time.Now()
	err = journal.Recover(ctx, store.Apply, func(res wal.Result) {
		logger.Debug("recovered entry", "offset", res.Offset, "client", res.Request.ClientID)
	})
	if err != nil {
		return fmt.Errorf("failed to recover WAL: %w", err)
	}
	logger.Info("recovery finished", "size", journal.Size(), "keys", store.Len(), "took", time.Since(start))

	inbox := replication.NewInbox(journal, cfg.WAL.InboxSize, logger)
	inbox.Start(ctx)
	defer inbox.Stop()

	// --- HTTP server ---
	server := apphttp.NewServer(journal, store, inbox, strconv.Itoa(cfg.Server.Port))
	server.SetMetrics(reg)
	server.SetTimeouts(cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Warn("error stopping server", "error", err)
		}
	}()

	if !role.IsLeader() {
		go requestReplay(ctx, journal, logger)
	}

	logger.Info("replogd running", "replica", walCfg.Replica, "role", role.String(), "port", cfg.Server.Port)
	<-ctx.Done()
	logger.Info("replogd stopping")
	return nil
}

// requestReplay keeps asking the leader for missed entries until one
// request goes through.
func requestReplay(ctx context.Context, journal *wal.WAL, logger *slog.Logger) {
	for {
		err := journal.RequestReplay(ctx)
		if err == nil {
			return
		}
		logger.Warn("replay request failed, retrying", "error", err)

		select {
		case <-time.After(replayRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}
