package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/logging"
	"github.com/Will-Luck/command-orchestrator/internal/orchestrator"
	"github.com/Will-Luck/command-orchestrator/internal/store"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// newFakeServer stands up a minimal Agent API over orchestrator.Service, so
// this package's tests exercise the real assignment/completion logic
// without depending on internal/server's HTTP wiring.
func newFakeServer(t *testing.T, svc *orchestrator.Service) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /agent/fetch", func(w http.ResponseWriter, r *http.Request) {
		var req wire.FetchRequest
		json.NewDecoder(r.Body).Decode(&req)
		cmd, err := svc.Fetch(req.AgentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(wire.FetchResponse{Command: cmd})
	})

	mux.HandleFunc("POST /agent/sync", func(w http.ResponseWriter, r *http.Request) {
		var req wire.SyncRequest
		json.NewDecoder(r.Body).Decode(&req)
		cmd, err := svc.Sync(req.AgentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(wire.SyncResponse{UnfinishedCommand: cmd})
	})

	mux.HandleFunc("POST /agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req wire.HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&req)
		svc.Heartbeat(req.AgentID, req.CommandID)
		json.NewEncoder(w).Encode(wire.HeartbeatResponse{Acknowledged: true})
	})

	mux.HandleFunc("POST /agent/result", func(w http.ResponseWriter, r *http.Request) {
		var req wire.ResultRequest
		json.NewDecoder(r.Body).Decode(&req)
		acked, _, err := svc.Complete(req.AgentID, req.CommandID, req.Status, req.Result, req.Error, req.Recovered)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrConflict) {
				status = http.StatusConflict
			} else if errors.Is(err, orchestrator.ErrNotFound) {
				status = http.StatusNotFound
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(wire.ErrorResponse{Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(wire.ResultResponse{Acknowledged: acked})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T) (*orchestrator.Service, *clock.Fake) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fc := clock.NewFake(time.Now().UTC())
	return orchestrator.New(st, fc, logging.New(false)), fc
}
