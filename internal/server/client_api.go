package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/Will-Luck/command-orchestrator/internal/orchestrator"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// handleSubmit implements POST /commands.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req wire.SubmitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	id := uuid.NewString()
	cmd, err := s.deps.Service.Submit(id, req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, wire.SubmitResponse{CommandID: cmd.ID})
}

// handleGetCommand implements GET /commands/{id}.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cmd, err := s.deps.Service.Get(id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, http.StatusNotFound, "command not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.CommandView{
		Status:  cmd.Status,
		Result:  cmd.Result,
		AgentID: cmd.Owner,
	})
}

// handleListCommands implements GET /commands.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.deps.Service.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.ListResponse{Commands: cmds})
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:    "ok",
		Timestamp: s.deps.Clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}
