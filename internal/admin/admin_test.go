package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomsync/loomsync/pkg/relay"
	"github.com/loomsync/loomsync/pkg/store"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*Server, *store.Store, *store.MemoryLog) {
	t.Helper()
	log := store.NewMemoryLog()
	st := store.New(log)
	t.Cleanup(func() { _ = st.Close() })

	registry := relay.NewRegistry(0, nil)
	srv := New(st, registry, relay.NewCollector(), testToken, nil)
	return srv, st, log
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func seedRecords(t *testing.T, log *store.MemoryLog, workspaceID string, ages ...time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	for i, age := range ages {
		rec := store.UpdateRecord{
			ID:          "rec-" + string(rune('a'+i)),
			WorkspaceID: workspaceID,
			Payload:     []byte("update"),
			ByteSize:    6,
			CreatedAt:   now.Add(-age),
		}
		if err := log.AppendRecord(context.Background(), rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestHealthzNoAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	t.Run("missing token", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/admin/stats", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/admin/stats", "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		rec := doRequest(t, router, http.MethodGet, "/admin/stats", testToken)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestWorkspaceStats(t *testing.T) {
	srv, _, log := newTestServer(t)
	seedRecords(t, log, "ws-1", time.Minute, time.Hour)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/admin/workspaces/ws-1/stats", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp workspaceStatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.WorkspaceID != "ws-1" {
		t.Errorf("WorkspaceID = %q, want ws-1", resp.WorkspaceID)
	}
	if resp.DurableRecords != 2 {
		t.Errorf("DurableRecords = %d, want 2", resp.DurableRecords)
	}
	if resp.LiveSessions != 0 {
		t.Errorf("LiveSessions = %d, want 0", resp.LiveSessions)
	}
}

func TestPrune(t *testing.T) {
	srv, _, log := newTestServer(t)
	seedRecords(t, log, "ws-1", 40*24*time.Hour, 10*24*time.Hour, time.Hour)

	rec := doRequest(t, srv.Router(), http.MethodPost, "/admin/workspaces/ws-1/prune?days=30", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Removed int `json:"removed"`
		Days    int `json:"days"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Removed != 1 {
		t.Errorf("Removed = %d, want 1", resp.Removed)
	}
	if resp.Days != 30 {
		t.Errorf("Days = %d, want 30", resp.Days)
	}
}

func TestPruneRejectsBadDays(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/admin/workspaces/ws-1/prune?days=soon", testToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEvict(t *testing.T) {
	srv, st, log := newTestServer(t)
	seedRecords(t, log, "ws-1", time.Minute)

	// Warm the cache, then evict through the API.
	if got := st.GetOrLoad(context.Background(), "ws-1"); len(got) != 1 {
		t.Fatalf("GetOrLoad = %d records, want 1", len(got))
	}

	rec := doRequest(t, srv.Router(), http.MethodPost, "/admin/workspaces/ws-1/evict", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	stats := st.Stats(context.Background(), "ws-1")
	if stats.CachedRecords != 0 {
		t.Errorf("CachedRecords = %d after evict, want 0", stats.CachedRecords)
	}
}

func TestPurge(t *testing.T) {
	srv, st, log := newTestServer(t)
	seedRecords(t, log, "ws-1", time.Minute, time.Hour)
	seedRecords(t, log, "ws-2", time.Minute)

	rec := doRequest(t, srv.Router(), http.MethodDelete, "/admin/workspaces/ws-1", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	if stats := st.Stats(context.Background(), "ws-1"); stats.DurableRecords != 0 {
		t.Errorf("ws-1 DurableRecords = %d after purge, want 0", stats.DurableRecords)
	}
	// Other workspaces untouched.
	if stats := st.Stats(context.Background(), "ws-2"); stats.DurableRecords != 1 {
		t.Errorf("ws-2 DurableRecords = %d, want 1", stats.DurableRecords)
	}
}
