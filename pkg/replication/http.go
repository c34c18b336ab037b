package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"replog/pkg/types"
)

const (
	EntryEndpoint = "/api/internal/wal/entry"
	AckEndpoint   = "/api/internal/wal/ack"

	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPChannel posts JSON messages to peers' internal endpoints. Peers are
// base URLs keyed by replica id; the leader is the peer with id 0. A bare
// host:port is taken as plain http.
type HTTPChannel struct {
	peersMu    sync.RWMutex
	peers      map[types.ReplicaID]string
	httpClient *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewHTTPChannel(peers map[types.ReplicaID]string, logger *slog.Logger) *HTTPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make(map[types.ReplicaID]string, len(peers))
	for id, addr := range peers {
		cp[id] = baseURL(addr)
	}
	return &HTTPChannel{
		peers: cp,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func (c *HTTPChannel) SetPeer(id types.ReplicaID, addr string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers[id] = baseURL(addr)
}

func (c *HTTPChannel) RemovePeer(id types.ReplicaID) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	delete(c.peers, id)
}

// SetPeers replaces the whole peer table.
func (c *HTTPChannel) SetPeers(peers map[types.ReplicaID]string) {
	cp := make(map[types.ReplicaID]string, len(peers))
	for id, addr := range peers {
		cp[id] = baseURL(addr)
	}
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers = cp
}

func baseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}

func (c *HTTPChannel) Peer(id types.ReplicaID) (string, bool) {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	addr, ok := c.peers[id]
	return addr, ok
}

func (c *HTTPChannel) SendLogEntry(ctx context.Context, to types.ReplicaID, offset types.Offset, entry []byte) error {
	return c.post(ctx, to, EntryEndpoint, LogEntry{To: to, Offset: offset, Entry: entry})
}

func (c *HTTPChannel) SendAck(ctx context.Context, ack Ack) error {
	return c.post(ctx, types.LeaderReplica, AckEndpoint, ack)
}

func (c *HTTPChannel) SendReplayRequest(ctx context.Context, ack Ack) error {
	ack.Replay = true
	return c.post(ctx, types.LeaderReplica, AckEndpoint, ack)
}

func (c *HTTPChannel) post(ctx context.Context, to types.ReplicaID, endpoint string, msg any) error {
	addr, ok := c.Peer(to)
	if !ok {
		return fmt.Errorf("%w: unknown peer %d", ErrUnreachable, to)
	}
	url := addr + endpoint

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.sendHTTP(ctx, url, body); err != nil {
			lastErr = err
			c.logger.Warn("failed to send replication message, retrying",
				"attempt", attempt+1,
				"to", to,
				"endpoint", endpoint,
				"error", err)

			select {
			case <-time.After(c.retryDelay * time.Duration(attempt+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (c *HTTPChannel) sendHTTP(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}
