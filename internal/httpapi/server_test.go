package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/lock"
	portalmem "github.com/BrandonDHaskell/voucher-bypass/internal/bypass/portal/memory"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/queue"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	storemem "github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store/memory"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
	"github.com/BrandonDHaskell/voucher-bypass/internal/events"
	"github.com/BrandonDHaskell/voucher-bypass/internal/httpapi"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ts     *httptest.Server
	lock   *lock.Manager
	queue  *queue.Memory
	store  *storemem.BindingStore
	runLog *storemem.RunLog
	portal *portalmem.Controller
	sync   *service.ExternalSync
	events *events.Recorder
}

// newTestServer wires up the full dependency graph using in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, token string) *fixture {
	t.Helper()

	f := &fixture{
		lock:   lock.New(lock.Config{Path: filepath.Join(t.TempDir(), "run.lock")}),
		queue:  queue.NewMemory(),
		store:  storemem.NewBindingStore(),
		runLog: storemem.NewRunLog(),
		portal: portalmem.New(),
		events: &events.Recorder{},
	}
	f.sync = service.NewExternalSync(f.portal, service.Tags{}, nil)

	deps := service.EngineDeps{
		Lock:   f.lock,
		Queue:  f.queue,
		Store:  f.store,
		Sync:   f.sync,
		RunLog: f.runLog,
		Events: f.events,
		Now:    func() time.Time { return now },
	}
	cfg := service.EngineConfig{Zones: []string{"guest"}, Instance: "test"}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Addr:     ":0",
		Token:    token,
		Registry: service.NewRegistry(deps, cfg),
		Diagnostics: service.NewDiagnostics(service.DiagnosticsDeps{
			Lock:   f.lock,
			Store:  f.store,
			Portal: f.portal,
			Zones:  cfg.Zones,
		}),
		RunLog: f.runLog,
	})

	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

// seed stores a live binding and its self-tagged portal entry.
func (f *fixture) seed(t *testing.T, zone, mac string) types.Binding {
	t.Helper()
	b := types.Binding{
		Zone:        zone,
		MAC:         mac,
		ExpiresAt:   now.Add(2 * time.Hour),
		ProofToken:  "tok-" + mac,
		FirstSeenAt: now.Add(-time.Hour),
		LastSeenAt:  now.Add(-time.Hour),
		SourceAddr:  "10.0.0.7",
	}
	bs, _ := f.store.Load(context.Background())
	bs[b.Key()] = b
	if err := f.store.Save(context.Background(), bs); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	f.portal.Seed(zone, mac, f.sync.Tags().Describe(b))
	return b
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

type bindingsBody struct {
	Bindings []types.Binding `json:"bindings"`
	Count    int             `json:"count"`
}

// ── Queries ──────────────────────────────────────────────────────────────────

func TestListBindings_FiltersByZone(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")
	f.seed(t, "staff", "aa:bb:cc:00:00:02")

	resp := f.do(t, http.MethodGet, "/v1/bindings", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	all := decode[bindingsBody](t, resp)
	if all.Count != 2 {
		t.Fatalf("expected 2 bindings, got %d", all.Count)
	}

	guest := decode[bindingsBody](t, f.do(t, http.MethodGet, "/v1/bindings?zone=guest", nil, nil))
	if guest.Count != 1 || guest.Bindings[0].MAC != "aa:bb:cc:00:00:01" {
		t.Fatalf("unexpected guest listing: %+v", guest)
	}
}

func TestListBindings_EmptyIsArray(t *testing.T) {
	f := newTestServer(t, "")

	resp := f.do(t, http.MethodGet, "/v1/bindings", nil, nil)
	raw, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(raw), `"bindings":[]`)
}

func TestSearch_MatchesBareHexMAC(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")
	f.seed(t, "guest", "aa:bb:cc:00:00:02")

	got := decode[bindingsBody](t, f.do(t, http.MethodGet, "/v1/bindings/search?q=aabbcc000002", nil, nil))
	if got.Count != 1 || got.Bindings[0].MAC != "aa:bb:cc:00:00:02" {
		t.Fatalf("unexpected search result: %+v", got)
	}
}

func TestGetBinding_FoundAndMissing(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")

	resp := f.do(t, http.MethodGet, "/v1/bindings/guest/AA-BB-CC-00-00-01", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	b := decode[types.Binding](t, resp)
	if b.SourceAddr != "10.0.0.7" {
		t.Errorf("expected source_addr=10.0.0.7, got %q", b.SourceAddr)
	}

	resp = f.do(t, http.MethodGet, "/v1/bindings/guest/aa:bb:cc:00:00:09", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStats_CountsQueueAndZones(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")
	f.queue.AppendRaw(`{"zone":"guest"}`)

	st := decode[service.Stats](t, f.do(t, http.MethodGet, "/v1/stats", nil, nil))
	require.Equal(t, 1, st.Total)
	require.Equal(t, 1, st.PerZone["guest"])
	require.Equal(t, 1, st.QueuePending)
}

func TestRuns_ReturnsRecordedSummaries(t *testing.T) {
	f := newTestServer(t, "")
	for _, id := range []string{"run-a", "run-b"} {
		if err := f.runLog.RecordRun(context.Background(), types.RunSummary{RunID: id, StartedAt: now}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	body := decode[struct {
		Runs []types.RunSummary `json:"runs"`
	}](t, f.do(t, http.MethodGet, "/v1/runs?limit=1", nil, nil))
	require.Len(t, body.Runs, 1)

	resp := f.do(t, http.MethodGet, "/v1/runs?limit=zero", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSelfTest_PortalDownIs503(t *testing.T) {
	f := newTestServer(t, "")

	resp := f.do(t, http.MethodGet, "/v1/selftest", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.portal.Unreachable = errors.New("connection refused")
	resp = f.do(t, http.MethodGet, "/v1/selftest", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// ── Grants ───────────────────────────────────────────────────────────────────

func TestGrant_JSONQueued(t *testing.T) {
	f := newTestServer(t, "")

	body := []byte(`{"zone":"guest","mac":"AA:BB:CC:00:00:01","expires_at":"2026-03-01T10:00:00Z","proof_token":"p1"}`)
	resp := f.do(t, http.MethodPost, "/v1/grants", bytes.NewReader(body), map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	ev := decode[types.GrantEvent](t, resp)
	if ev.MAC != "aa:bb:cc:00:00:01" {
		t.Errorf("expected normalized mac, got %q", ev.MAC)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected 1 queued line, got %d", f.queue.Len())
	}
}

func TestGrant_InvalidIs400(t *testing.T) {
	f := newTestServer(t, "")

	cases := map[string]string{
		"bad json":      `not json at all`,
		"unknown field": `{"zone":"guest","voucher":"secret"}`,
		"bad mac":       `{"zone":"guest","mac":"nope","expires_at":"2026-03-01T10:00:00Z","proof_token":"p"}`,
		"no proof":      `{"zone":"guest","mac":"aa:bb:cc:00:00:01","expires_at":"2026-03-01T10:00:00Z"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/grants", bytes.NewReader([]byte(body)), nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
	if f.queue.Len() != 0 {
		t.Fatalf("nothing should be queued, got %d", f.queue.Len())
	}
}

func TestGrant_ProtobufRoundTrip(t *testing.T) {
	f := newTestServer(t, "")

	st, err := structpb.NewStruct(map[string]any{
		"zone":        "guest",
		"mac":         "aa:bb:cc:00:00:03",
		"expires_at":  float64(now.Add(time.Hour).Unix()),
		"proof_token": "p3",
	})
	require.NoError(t, err)
	data, err := proto.Marshal(st)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/v1/grants", bytes.NewReader(data), map[string]string{
		"Content-Type": "application/x-protobuf",
		"Accept":       "application/x-protobuf",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out structpb.Value
	require.NoError(t, proto.Unmarshal(raw, &out))
	require.Equal(t, "aa:bb:cc:00:00:03", out.GetStructValue().GetFields()["mac"].GetStringValue())
	require.Equal(t, 1, f.queue.Len())
}

// ── Removal ──────────────────────────────────────────────────────────────────

func TestRemove_TearsDownPortalEntry(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")

	resp := f.do(t, http.MethodDelete, "/v1/bindings/guest/aa:bb:cc:00:00:01", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Empty(t, f.store.Snapshot())
	require.Empty(t, f.portal.Entries("guest"))
	require.Len(t, f.events.Events, 1)
	require.Equal(t, events.TopicBindingRemoved, f.events.Events[0].Topic)
}

func TestRemove_MissingIs404(t *testing.T) {
	f := newTestServer(t, "")

	resp := f.do(t, http.MethodDelete, "/v1/bindings/guest/aa:bb:cc:00:00:01", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemove_LockHeldIs409(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")

	h, err := f.lock.Acquire("run-other")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Release() })

	resp := f.do(t, http.MethodDelete, "/v1/bindings/guest/aa:bb:cc:00:00:01", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
	require.Len(t, f.store.Snapshot(), 1)
}

func TestRemove_PortalDownIs502(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")
	f.portal.Unreachable = errors.New("connection refused")

	resp := f.do(t, http.MethodDelete, "/v1/bindings/guest/aa:bb:cc:00:00:01", nil, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Len(t, f.store.Snapshot(), 1)
}

func TestRemove_PortalRefusesIs502AndKeepsBinding(t *testing.T) {
	f := newTestServer(t, "")
	f.seed(t, "guest", "aa:bb:cc:00:00:01")
	f.portal.FailRemove[types.NewKey("guest", "aa:bb:cc:00:00:01")] = errors.New("config locked")

	resp := f.do(t, http.MethodDelete, "/v1/bindings/guest/aa:bb:cc:00:00:01", nil, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Equal(t, "portal_remove_failed", body["error"])
	require.Len(t, f.store.Snapshot(), 1)
}

// ── Auth ─────────────────────────────────────────────────────────────────────

func TestAuth_TokenRequiredWhenConfigured(t *testing.T) {
	f := newTestServer(t, "s3cret")

	resp := f.do(t, http.MethodGet, "/v1/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/stats", nil, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/stats", nil, map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
