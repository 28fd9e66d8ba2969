// ABOUTME: HTTP ingress: health check, Vercel deployment webhook, operator API
// ABOUTME: Operator endpoints require a bearer JWT; the webhook uses an HMAC signature

package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/grulabs/gru/internal/auth"
	"github.com/grulabs/gru/internal/config"
	"github.com/grulabs/gru/internal/orchestrator"
	"github.com/grulabs/gru/internal/store"
)

// branchPrefix maps deployment branches back to agents.
const branchPrefix = "gru-agent-"

// Server is the HTTP ingress for webhooks and the operator API.
type Server struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	verifier     auth.TokenVerifier
	logger       *slog.Logger
	mux          *http.ServeMux
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, verifier auth.TokenVerifier) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		verifier:     verifier,
		logger:       slog.Default().With("component", "webhook"),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhook/vercel", s.handleVercel)

	s.mux.HandleFunc("POST /api/agents", s.authed(s.handleSpawn))
	s.mux.HandleFunc("GET /api/agents", s.authed(s.handleListAgents))
	s.mux.HandleFunc("GET /api/agents/{id}", s.authed(s.handleGetAgent))
	s.mux.HandleFunc("POST /api/agents/{id}/pause", s.authed(s.handlePause))
	s.mux.HandleFunc("POST /api/agents/{id}/resume", s.authed(s.handleResume))
	s.mux.HandleFunc("POST /api/agents/{id}/terminate", s.authed(s.handleTerminate))
	s.mux.HandleFunc("POST /api/agents/{id}/nudge", s.authed(s.handleNudge))
	s.mux.HandleFunc("GET /api/agents/{id}/transcript", s.authed(s.handleTranscript))
	s.mux.HandleFunc("GET /api/status", s.authed(s.handleStatus))
	s.mux.HandleFunc("GET /api/approvals", s.authed(s.handleApprovals))
	s.mux.HandleFunc("POST /api/approvals/{id}", s.authed(s.handleResolveApproval))
	s.mux.HandleFunc("GET /api/templates", s.authed(s.handleListTemplates))
	s.mux.HandleFunc("POST /api/templates", s.authed(s.handleSaveTemplate))
	s.mux.HandleFunc("DELETE /api/templates/{name}", s.authed(s.handleDeleteTemplate))
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// authed wraps an operator handler with bearer-token verification.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		operator, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Warn("rejected API request", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		s.logger.Debug("API request", "operator", operator, "method", r.Method, "path", r.URL.Path)
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// vercelPayload is the subset of the Vercel webhook body we act on.
type vercelPayload struct {
	Type    string `json:"type"`
	Payload struct {
		Deployment struct {
			URL          string `json:"url"`
			State        string `json:"state"`
			ErrorMessage string `json:"errorMessage"`
			Meta         struct {
				GithubCommitRef string `json:"githubCommitRef"`
			} `json:"meta"`
		} `json:"deployment"`
	} `json:"payload"`
}

func (s *Server) handleVercel(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	if s.cfg.Webhook.Secret != "" {
		signature := r.Header.Get("x-vercel-signature")
		mac := hmac.New(sha1.New, []byte(s.cfg.Webhook.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			s.logger.Warn("invalid Vercel webhook signature")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var payload vercelPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	deployment := payload.Payload.Deployment
	branch := deployment.Meta.GithubCommitRef

	var agentID string
	if strings.HasPrefix(branch, branchPrefix) {
		agentID = strings.TrimPrefix(branch, branchPrefix)
	}

	s.logger.Info("Vercel webhook",
		"type", payload.Type, "branch", branch, "url", deployment.URL, "state", deployment.State)

	switch {
	case payload.Type == "deployment.succeeded" && agentID != "" && deployment.URL != "":
		previewURL := deployment.URL
		if !strings.HasPrefix(previewURL, "http") {
			previewURL = "https://" + previewURL
		}
		if err := s.orchestrator.Notify(r.Context(), agentID, fmt.Sprintf("Preview ready: %s", previewURL)); err != nil {
			s.logger.Error("notifying agent of preview", "agent_id", agentID, "error", err)
		}

	case payload.Type == "deployment.error" && agentID != "":
		errMsg := deployment.ErrorMessage
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		if err := s.orchestrator.Notify(r.Context(), agentID, fmt.Sprintf("Preview deployment failed: %s", errMsg)); err != nil {
			s.logger.Error("notifying agent of deploy failure", "agent_id", agentID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// spawnRequest is the operator API body for creating an agent.
type spawnRequest struct {
	Task        string `json:"task"`
	Template    string `json:"template"`
	Name        string `json:"name"`
	Model       string `json:"model"`
	Priority    string `json:"priority"`
	TimeoutMode string `json:"timeout_mode"`
	Workdir     string `json:"workdir"`
	Supervised  bool   `json:"supervised"`
	ParentTask  string `json:"parent_task_id"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	spawn := orchestrator.SpawnRequest{
		Task:         req.Task,
		Name:         req.Name,
		Model:        req.Model,
		Priority:     req.Priority,
		TimeoutMode:  req.TimeoutMode,
		Workdir:      req.Workdir,
		Supervised:   req.Supervised,
		ParentTaskID: req.ParentTask,
	}

	var agent *store.Agent
	var err error
	if req.Template != "" {
		agent, err = s.orchestrator.SpawnFromTemplate(r.Context(), req.Template, spawn)
	} else {
		agent, err = s.orchestrator.Spawn(r.Context(), spawn)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.orchestrator.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.orchestrator.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycleResult(w, s.orchestrator.Pause(r.Context(), r.PathValue("id")))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycleResult(w, s.orchestrator.Resume(r.Context(), r.PathValue("id")))
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.lifecycleResult(w, s.orchestrator.Terminate(r.Context(), r.PathValue("id")))
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	s.lifecycleResult(w, s.orchestrator.Nudge(r.PathValue("id"), req.Content))
}

func (s *Server) lifecycleResult(w http.ResponseWriter, ok bool) {
	if !ok {
		writeError(w, http.StatusNotFound, "agent is not live")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orchestrator.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.orchestrator.PendingApprovals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if approvals == nil {
		approvals = []*store.Approval{}
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if !s.orchestrator.Approve(r.Context(), r.PathValue("id"), req.Approved) {
		writeError(w, http.StatusNotFound, "approval not found or already resolved")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.orchestrator.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if templates == nil {
		templates = []*store.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Task     string `json:"task"`
		Priority string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Task == "" {
		writeError(w, http.StatusBadRequest, "name and task are required")
		return
	}

	tmpl := &store.Template{Name: req.Name, Task: req.Task, Priority: req.Priority}
	if err := s.orchestrator.SaveTemplate(r.Context(), tmpl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	err := s.orchestrator.DeleteTemplate(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
