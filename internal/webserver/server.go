package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/opsagent/opsagent/internal/agent"
	"github.com/opsagent/opsagent/internal/core"
	"github.com/opsagent/opsagent/internal/store"
)

// maxUploadBytes caps multipart uploads pushed to remote hosts.
const maxUploadBytes = 64 << 20

// Server exposes the agent over HTTP: synchronous and streaming run
// endpoints, asset and session management, and file upload.
type Server struct {
	Addr   string
	Loop   *agent.Loop
	Store  *store.DB
	Runner core.CommandRunner

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(addr string, loop *agent.Loop, db *store.DB, runner core.CommandRunner) *Server {
	return &Server{
		Addr:    addr,
		Loop:    loop,
		Store:   db,
		Runner:  runner,
		running: make(map[string]context.CancelFunc),
	}
}

// Run starts the HTTP server and blocks.
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/assets", s.handleAssets)
	mux.HandleFunc("/api/assets/", s.handleAssetByName)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/run/stream", s.handleRunStream)
	mux.HandleFunc("/api/run/stop", s.handleRunStop)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)

	log.Printf("[SERVER] listening on %s", s.Addr)
	return http.ListenAndServe(s.Addr, mux)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- assets ---

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		assets, err := s.Store.ListAssets(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
	case http.MethodPost:
		var a assetPayload
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.Store.UpsertAsset(r.Context(), a.toAsset()); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[SERVER] asset %q saved", a.Name)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": a.Name})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// assetPayload accepts credentials on write; core.Asset never serializes
// them back out.
type assetPayload struct {
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKeyPath string `json:"private_key_path"`
	Metadata       string `json:"metadata"`
}

func (a assetPayload) toAsset() core.Asset {
	return core.Asset{
		Name:           a.Name,
		Host:           a.Host,
		Port:           a.Port,
		Username:       a.Username,
		Password:       a.Password,
		PrivateKeyPath: a.PrivateKeyPath,
		Metadata:       a.Metadata,
	}
}

func (s *Server) handleAssetByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/assets/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing asset name")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a, err := s.Store.GetAsset(r.Context(), name)
		if errors.Is(err, core.ErrAssetNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("asset %q not found", name))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, a)
	case http.MethodDelete:
		err := s.Store.DeleteAsset(r.Context(), name)
		if errors.Is(err, core.ErrAssetNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("asset %q not found", name))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Printf("[SERVER] asset %q deleted", name)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- run ---

type runRequest struct {
	Instruction string   `json:"instruction"`
	SessionID   string   `json:"session_id"`
	Assets      []string `json:"assets"`
}

// sessionHistory loads prior messages for a continuing session; a fresh or
// unknown session starts empty.
func (s *Server) sessionHistory(ctx context.Context, sessionID string) ([]core.Message, error) {
	if sessionID == "" {
		return nil, nil
	}
	sess, err := s.Store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// persistTurn saves the completed exchange. Session storage keeps the
// conversation without the system prompt so mode changes re-prompt cleanly.
func (s *Server) persistTurn(sessionID string, req runRequest, res agent.Result) {
	msgs := res.Messages
	if len(msgs) > 0 && msgs[0].Role == "system" {
		msgs = msgs[1:]
	}
	title := req.Instruction
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	turn := store.Turn{User: req.Instruction, Commands: res.Commands, Reply: res.Reply}
	if err := s.Store.AppendTurn(context.Background(), sessionID, title, msgs, turn); err != nil {
		log.Printf("[SERVER] persist session %s: %v", sessionID, err)
	}
}

func (s *Server) register(traceID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[traceID] = cancel
	s.mu.Unlock()
}

func (s *Server) unregister(traceID string) {
	s.mu.Lock()
	delete(s.running, traceID)
	s.mu.Unlock()
}

func decodeRunRequest(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	var req runRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return req, false
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return req, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}
	history, err := s.sessionHistory(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	traceID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	s.register(traceID, cancel)
	defer func() {
		s.unregister(traceID)
		cancel()
	}()

	res, err := s.Loop.Run(ctx, agent.Request{
		Instruction:   req.Instruction,
		History:       history,
		AllowedAssets: req.Assets,
		TraceID:       traceID,
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.persistTurn(req.SessionID, req, res)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reply":      res.Reply,
		"commands":   res.Commands,
		"session_id": req.SessionID,
		"trace_id":   traceID,
	})
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	history, err := s.sessionHistory(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	traceID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	s.register(traceID, cancel)
	defer func() {
		s.unregister(traceID)
		cancel()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	sink.send("start", map[string]string{"trace_id": traceID, "session_id": req.SessionID})

	res, err := s.Loop.Run(ctx, agent.Request{
		Instruction:   req.Instruction,
		History:       history,
		AllowedAssets: req.Assets,
		TraceID:       traceID,
	}, sink)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[SERVER] [%s] run failed: %v", traceID, err)
		return
	}
	s.persistTurn(req.SessionID, req, res)
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TraceID == "" {
		writeError(w, http.StatusBadRequest, "trace_id is required")
		return
	}
	s.mu.Lock()
	cancel, ok := s.running[body.TraceID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no running trace with that id")
		return
	}
	log.Printf("[SERVER] [%s] stop requested", body.TraceID)
	cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// --- upload ---

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	assetName := r.FormValue("asset")
	remotePath := r.FormValue("remote_path")
	if assetName == "" || remotePath == "" {
		writeError(w, http.StatusBadRequest, "asset and remote_path are required")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	asset, err := s.Store.GetAsset(r.Context(), assetName)
	if errors.Is(err, core.ErrAssetNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("asset %q not found", assetName))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msg, err := s.Runner.Push(r.Context(), asset, data, remotePath)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	log.Printf("[SERVER] upload to %s:%s done", assetName, remotePath)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "detail": msg})
}

// --- sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	switch r.Method {
	case http.MethodGet:
		sess, err := s.Store.GetSession(r.Context(), id)
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		err := s.Store.DeleteSession(r.Context(), id)
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
