package server

import (
	"errors"
	"net/http"

	"github.com/Will-Luck/command-orchestrator/internal/orchestrator"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// handleAgentFetch implements POST /agent/fetch.
func (s *Server) handleAgentFetch(w http.ResponseWriter, r *http.Request) {
	var req wire.FetchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	cmd, err := s.deps.Service.Fetch(req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.FetchResponse{Command: cmd})
}

// handleAgentResult implements POST /agent/result.
func (s *Server) handleAgentResult(w http.ResponseWriter, r *http.Request) {
	var req wire.ResultRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	acked, _, err := s.deps.Service.Complete(req.AgentID, req.CommandID, req.Status, req.Result, req.Error, req.Recovered)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotFound):
			writeError(w, http.StatusNotFound, "command not found")
		case errors.Is(err, orchestrator.ErrConflict):
			writeError(w, http.StatusConflict, "command is not running, or not owned by this agent")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, wire.ResultResponse{Acknowledged: acked})
}

// handleAgentSync implements POST /agent/sync.
func (s *Server) handleAgentSync(w http.ResponseWriter, r *http.Request) {
	var req wire.SyncRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	cmd, err := s.deps.Service.Sync(req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.SyncResponse{UnfinishedCommand: cmd})
}

// handleAgentHeartbeat implements POST /agent/heartbeat. Never fails hard
// (§6): a store error is logged but still answered with acknowledged=true.
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req wire.HeartbeatRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if err := s.deps.Service.Heartbeat(req.AgentID, req.CommandID); err != nil {
		s.deps.Log.Warn("heartbeat store error", "agent_id", req.AgentID, "error", err)
	}
	writeJSON(w, http.StatusOK, wire.HeartbeatResponse{Acknowledged: true})
}
