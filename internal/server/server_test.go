package server

import (
	"bytes"
	"encoding/json"
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

func testServer(t *testing.T) (*Server, *clock.Fake) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fc := clock.NewFake(time.Now().UTC())
	svc := orchestrator.New(st, fc, logging.New(false))
	s := NewServer(Dependencies{Service: svc, Clock: fc, Log: logging.New(false)})
	return s, fc
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func TestSubmitAndGetCommand(t *testing.T) {
	s, _ := testServer(t)

	w := doJSON(t, s, "POST", "/commands", wire.SubmitRequest{Type: wire.KindDelay, Payload: json.RawMessage(`{"ms":100}`)})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /commands = %d, body %s", w.Code, w.Body.String())
	}
	var submitResp wire.SubmitResponse
	json.Unmarshal(w.Body.Bytes(), &submitResp)
	if submitResp.CommandID == "" {
		t.Fatal("CommandID is empty")
	}

	w2 := doJSON(t, s, "GET", "/commands/"+submitResp.CommandID, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("GET /commands/{id} = %d, body %s", w2.Code, w2.Body.String())
	}
	var view wire.CommandView
	json.Unmarshal(w2.Body.Bytes(), &view)
	if view.Status != wire.Pending {
		t.Errorf("Status = %s, want Pending", view.Status)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	s, _ := testServer(t)
	w := doJSON(t, s, "POST", "/commands", wire.SubmitRequest{Type: wire.KindDelay, Payload: json.RawMessage(`{"ms":0}`)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetCommandNotFound(t *testing.T) {
	s, _ := testServer(t)
	w := doJSON(t, s, "GET", "/commands/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListCommands(t *testing.T) {
	s, _ := testServer(t)
	doJSON(t, s, "POST", "/commands", wire.SubmitRequest{Type: wire.KindDelay, Payload: json.RawMessage(`{"ms":100}`)})
	doJSON(t, s, "POST", "/commands", wire.SubmitRequest{Type: wire.KindDelay, Payload: json.RawMessage(`{"ms":200}`)})

	w := doJSON(t, s, "GET", "/commands", nil)
	var resp wire.ListResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Commands) != 2 {
		t.Errorf("len(Commands) = %d, want 2", len(resp.Commands))
	}
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)
	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp wire.HealthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestAgentFetchAndResultFlow(t *testing.T) {
	s, _ := testServer(t)
	submitW := doJSON(t, s, "POST", "/commands", wire.SubmitRequest{Type: wire.KindDelay, Payload: json.RawMessage(`{"ms":100}`)})
	var submitResp wire.SubmitResponse
	json.Unmarshal(submitW.Body.Bytes(), &submitResp)

	fetchW := doJSON(t, s, "POST", "/agent/fetch", wire.FetchRequest{AgentID: "agent-1"})
	var fetchResp wire.FetchResponse
	json.Unmarshal(fetchW.Body.Bytes(), &fetchResp)
	if fetchResp.Command == nil || fetchResp.Command.ID != submitResp.CommandID {
		t.Fatalf("fetch = %+v", fetchResp.Command)
	}

	resultW := doJSON(t, s, "POST", "/agent/result", wire.ResultRequest{
		AgentID: "agent-1", CommandID: submitResp.CommandID, Status: wire.Completed, Result: json.RawMessage(`{"ok":true}`),
	})
	if resultW.Code != http.StatusOK {
		t.Fatalf("POST /agent/result = %d, body %s", resultW.Code, resultW.Body.String())
	}

	getW := doJSON(t, s, "GET", "/commands/"+submitResp.CommandID, nil)
	var view wire.CommandView
	json.Unmarshal(getW.Body.Bytes(), &view)
	if view.Status != wire.Completed {
		t.Errorf("Status = %s, want Completed", view.Status)
	}
}

func TestAgentResultConflictReturns409(t *testing.T) {
	s, _ := testServer(t)
	submitW := doJSON(t, s, "POST", "/commands", wire.SubmitRequest{Type: wire.KindDelay, Payload: json.RawMessage(`{"ms":100}`)})
	var submitResp wire.SubmitResponse
	json.Unmarshal(submitW.Body.Bytes(), &submitResp)

	w := doJSON(t, s, "POST", "/agent/result", wire.ResultRequest{
		AgentID: "agent-never-fetched", CommandID: submitResp.CommandID, Status: wire.Completed,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestHandlerRecoversFromPanic(t *testing.T) {
	s, _ := testServer(t)
	s.mux.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	r := httptest.NewRequest("GET", "/boom", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp wire.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error == "" {
		t.Error("Error = \"\", want non-empty message")
	}
}

func TestAgentSyncAndHeartbeat(t *testing.T) {
	s, _ := testServer(t)
	w := doJSON(t, s, "POST", "/agent/sync", wire.SyncRequest{AgentID: "agent-1"})
	var syncResp wire.SyncResponse
	json.Unmarshal(w.Body.Bytes(), &syncResp)
	if syncResp.UnfinishedCommand != nil {
		t.Errorf("UnfinishedCommand = %+v, want nil", syncResp.UnfinishedCommand)
	}

	hbW := doJSON(t, s, "POST", "/agent/heartbeat", wire.HeartbeatRequest{AgentID: "agent-1"})
	var hbResp wire.HeartbeatResponse
	json.Unmarshal(hbW.Body.Bytes(), &hbResp)
	if !hbResp.Acknowledged {
		t.Error("Acknowledged = false, want true")
	}
}
