//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"replog/pkg/kv"
	"replog/pkg/logerrors"
	"replog/pkg/metrics"
	"replog/pkg/replication"
	"replog/pkg/request"
	"replog/pkg/types"
	"replog/pkg/wal"
)

// fakeLog admits requests in per-client order and applies them to a kv store
type fakeLog struct {
	mu      sync.Mutex
	store   *kv.Store
	next    map[types.ClientID]types.ClientOffset
	size    types.Offset
	failure error
}

func newFakeLog(store *kv.Store) *fakeLog {
	return &fakeLog{store: store, next: make(map[types.ClientID]types.ClientOffset)}
}

func (f *fakeLog) AppendRequest(ctx context.Context, req *request.Request) (types.Offset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return types.NoOffset, f.failure
	}
	if err := req.Validate(); err != nil {
		return types.NoOffset, err
	}
	if req.ClientOffset != 0 && req.ClientOffset != f.next[req.ClientID]+1 {
		return types.NoOffset, logerrors.ErrOutOfOrder
	}
	f.next[req.ClientID] = req.ClientOffset

	off := f.size
	f.size++
	if _, err := f.store.Apply(ctx, off, req); err != nil {
		return types.NoOffset, err
	}
	return off, nil
}

func (f *fakeLog) Status() (wal.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wal.Status{
		Role:    "leader",
		State:   "serving",
		Size:    int64(f.size),
		Offsets: map[types.ReplicaID]types.Offset{0: f.size - 1},
	}, nil
}

type fakeInbox struct {
	mu   sync.Mutex
	msgs []replication.Message
}

func (f *fakeInbox) Push(_ context.Context, m replication.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func newTestServer() (*Server, *fakeLog, *fakeInbox) {
	store := kv.New()
	log := newFakeLog(store)
	inbox := &fakeInbox{}
	return NewServer(log, store, inbox, ""), log, inbox
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", contentTypeJSON)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func appendBody(client, seq int, op, key, value string) string {
	return fmt.Sprintf(`{"client_id":%d,"client_offset":%d,"op":%q,"key":%q,"value":%q}`, client, seq, op, key, value)
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer()
	rr := serve(s, http.MethodGet, "/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	resp := decodeResp(t, rr)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestAppendGetFlow(t *testing.T) {
	s, _, _ := newTestServer()

	rr := serve(s, http.MethodPost, "/api/append", appendBody(1, 1, "put", "foo", "bar"))
	if rr.Code != http.StatusOK {
		t.Fatalf("append: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Status != StatusSuccess || resp.Offset == nil || *resp.Offset != 0 {
		t.Fatalf("append: unexpected response %s", rr.Body.String())
	}

	rr = serve(s, http.MethodGet, "/api/string?key=foo", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got '%s'", resp.Value)
	}

	rr = serve(s, http.MethodPost, "/api/append", appendBody(1, 2, "delete", "foo", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Offset == nil || *resp.Offset != 1 {
		t.Fatalf("delete: unexpected response %s", rr.Body.String())
	}

	rr = serve(s, http.MethodGet, "/api/string?key=foo", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, http.MethodGet, "/api/status", "")
	var st wal.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("status: %v body=%s", err, rr.Body.String())
	}
	if st.Size != 2 || st.Offsets[0] != 1 {
		t.Fatalf("status: unexpected %+v", st)
	}
}

func TestAppendErrors(t *testing.T) {
	s, log, _ := newTestServer()

	cases := []struct {
		name string
		body string
		fail error
		code int
	}{
		{"malformed json", `{"client_id":`, nil, http.StatusBadRequest},
		{"unknown op", appendBody(1, 1, "upsert", "k", "v"), nil, http.StatusBadRequest},
		{"missing value", appendBody(1, 1, "put", "k", ""), nil, http.StatusBadRequest},
		{"out of order", appendBody(1, 7, "put", "k", "v"), nil, http.StatusConflict},
		{"follower", appendBody(1, 1, "put", "k", "v"), fmt.Errorf("%w: leader is node-0", logerrors.ErrNotLeader), http.StatusMisdirectedRequest},
		{"recovering", appendBody(1, 1, "put", "k", "v"), logerrors.ErrRecovering, http.StatusServiceUnavailable},
		{"disk", appendBody(1, 1, "put", "k", "v"), fmt.Errorf("write: no space left"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			log.mu.Lock()
			log.failure = c.fail
			log.mu.Unlock()

			rr := serve(s, http.MethodPost, "/api/append", c.body)
			if rr.Code != c.code {
				t.Fatalf("expected %d, got %d body=%s", c.code, rr.Code, rr.Body.String())
			}
			if resp := decodeResp(t, rr); resp.Status != StatusError || resp.Error == "" {
				t.Fatalf("expected an error response, got %s", rr.Body.String())
			}
		})
	}
}

func TestInternalEndpointsEnqueue(t *testing.T) {
	s, _, inbox := newTestServer()

	entry := replication.LogEntry{To: 1, Offset: 3, Entry: []byte{1, 2, 3}}
	body, _ := json.Marshal(entry)
	rr := serve(s, http.MethodPost, replication.EntryEndpoint, string(body))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("entry: expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, http.MethodPost, replication.AckEndpoint, `{"replica":2,"offset":-1,"replay":true}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ack: expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, http.MethodPost, replication.AckEndpoint, `not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad ack: expected 400, got %d", rr.Code)
	}

	if len(inbox.msgs) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(inbox.msgs))
	}
	got := inbox.msgs[0].Entry
	if got == nil || got.To != 1 || got.Offset != 3 || string(got.Entry) != string(entry.Entry) {
		t.Fatalf("unexpected entry %+v", inbox.msgs[0])
	}
	if ack := inbox.msgs[1].Ack; ack == nil || *ack != (replication.Ack{Replica: 2, Offset: types.NoOffset, Replay: true}) {
		t.Fatalf("unexpected ack %+v", inbox.msgs[1])
	}
}

func TestMetricsAndMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer()
	reg := metrics.NewRegistry()
	reg.IncCounter("wal_appends_total", nil, 2)
	s.SetMetrics(reg)

	rr := serve(s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "wal_appends_total 2") {
		t.Fatalf("metrics: got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = serve(s, http.MethodGet, "/api/string", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(s, http.MethodPost, "/health", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}
