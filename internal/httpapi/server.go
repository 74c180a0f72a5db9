// Package httpapi exposes the chat service over HTTP and websocket.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floegence/chatstream/internal/chat"
	"github.com/floegence/chatstream/internal/chat/threadstore"
)

// UserHeader carries the caller identity. Authentication happens upstream
// (reverse proxy or local single-user deployments); this server only scopes
// data by the resolved user id.
const UserHeader = "X-Chatstream-User"

type Options struct {
	Logger *slog.Logger
	Listen string

	Chat *chat.Service

	Version string
}

type Server struct {
	log *slog.Logger

	listen  string
	version string

	chat *chat.Service

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Chat == nil {
		return nil, errors.New("missing chat service")
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		return nil, errors.New("missing listen address")
	}
	return &Server{
		log:     logger,
		listen:  listen,
		version: strings.TrimSpace(opts.Version),
		chat:    opts.Chat,
	}, nil
}

// Handler builds the route table. Exposed so tests can drive the API
// without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/turns", s.handleTurns)
	mux.HandleFunc("/api/chat/retry", s.handleRetry)
	mux.HandleFunc("/api/chat/branch", s.handleBranch)
	mux.HandleFunc("/api/chat/threads", s.handleThreads)
	mux.HandleFunc("/api/chat/threads/", s.handleThreadByID)
	mux.HandleFunc("/api/chat/uploads", s.handleUploads)
	mux.HandleFunc("/api/chat/uploads/", s.handleUploadByID)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("nil server")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResp{Error: msg})
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return userID, true
}

func mapServiceError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, struct{}{})
	case errors.Is(err, chat.ErrThreadBusy):
		writeError(w, http.StatusConflict, "thread is already streaming")
	case errors.Is(err, chat.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, "model not configured")
	case errors.Is(err, chat.ErrThreadNotFound),
		errors.Is(err, chat.ErrRetryTargetNotFound),
		errors.Is(err, chat.ErrBranchTargetNotFound),
		errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

type turnReq struct {
	PromptText         string               `json:"promptText"`
	UserMessageID      string               `json:"userMessageId"`
	AssistantMessageID string               `json:"assistantMessageId"`
	ThreadID           string               `json:"threadId"`
	IsNewThread        bool                 `json:"isNewThread"`
	Model              string               `json:"model,omitempty"`
	AttachmentRefs     []chat.AttachmentRef `json:"attachmentRefs,omitempty"`
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req turnReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := s.chat.SubmitTurn(r.Context(), chat.SubmitTurnRequest{
		UserID:             userID,
		ThreadID:           req.ThreadID,
		IsNewThread:        req.IsNewThread,
		PromptText:         req.PromptText,
		UserMessageID:      req.UserMessageID,
		AssistantMessageID: req.AssistantMessageID,
		Model:              req.Model,
		AttachmentRefs:     req.AttachmentRefs,
	})
	mapServiceError(w, err)
}

type retryReq struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	Model     string `json:"model,omitempty"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req retryReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := s.chat.Retry(r.Context(), chat.RetryRequest{
		UserID:    userID,
		ThreadID:  req.ThreadID,
		MessageID: req.MessageID,
		Model:     req.Model,
	})
	mapServiceError(w, err)
}

type branchMapping struct {
	SourceMessageID string `json:"sourceMessageId"`
	NewMessageID    string `json:"newMessageId"`
}

type branchReq struct {
	FromThreadID string          `json:"fromThreadId"`
	NewThreadID  string          `json:"newThreadId"`
	Title        string          `json:"title,omitempty"`
	Mappings     []branchMapping `json:"mappings"`
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req branchReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	pairs := make([]threadstore.IDPair, 0, len(req.Mappings))
	for _, m := range req.Mappings {
		pairs = append(pairs, threadstore.IDPair{SourceMessageID: m.SourceMessageID, NewMessageID: m.NewMessageID})
	}
	err := s.chat.Branch(r.Context(), chat.BranchRequest{
		UserID:       userID,
		FromThreadID: req.FromThreadID,
		NewThreadID:  req.NewThreadID,
		Title:        req.Title,
		Mappings:     pairs,
	})
	mapServiceError(w, err)
}

type threadJSON struct {
	ThreadID            string `json:"threadId"`
	Title               string `json:"title"`
	CreatedAtUnixMs     int64  `json:"createdAtUnixMs"`
	UpdatedAtUnixMs     int64  `json:"updatedAtUnixMs"`
	LastMessageAtUnixMs int64  `json:"lastMessageAtUnixMs"`
	LastMessagePreview  string `json:"lastMessagePreview"`
}

func toThreadJSON(t threadstore.Thread) threadJSON {
	return threadJSON{
		ThreadID:            t.ThreadID,
		Title:               t.Title,
		CreatedAtUnixMs:     t.CreatedAtUnixMs,
		UpdatedAtUnixMs:     t.UpdatedAtUnixMs,
		LastMessageAtUnixMs: t.LastMessageAtUnixMs,
		LastMessagePreview:  t.LastMessagePreview,
	}
}

type messageJSON struct {
	MessageID       string               `json:"messageId"`
	ThreadID        string               `json:"threadId"`
	Sender          string               `json:"sender"`
	Status          string               `json:"status"`
	Model           string               `json:"model,omitempty"`
	Text            *string              `json:"text"`
	Attachments     []chat.AttachmentRef `json:"attachments,omitempty"`
	CreatedAtUnixMs int64                `json:"createdAtUnixMs"`
	UpdatedAtUnixMs int64                `json:"updatedAtUnixMs"`
}

func toMessageJSON(m threadstore.Message) messageJSON {
	out := messageJSON{
		MessageID:       m.MessageID,
		ThreadID:        m.ThreadID,
		Sender:          m.Sender,
		Status:          m.Status,
		Model:           m.Model,
		Text:            m.TextContent,
		CreatedAtUnixMs: m.CreatedAtUnixMs,
		UpdatedAtUnixMs: m.UpdatedAtUnixMs,
	}
	if raw := strings.TrimSpace(m.AttachmentsJSON); raw != "" && raw != "[]" {
		_ = json.Unmarshal([]byte(raw), &out.Attachments)
	}
	return out
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	threads, next, err := s.chat.ListThreads(r.Context(), userID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		mapServiceError(w, err)
		return
	}
	out := make([]threadJSON, 0, len(threads))
	for _, t := range threads {
		out = append(out, toThreadJSON(t))
	}
	writeJSON(w, http.StatusOK, struct {
		Threads    []threadJSON `json:"threads"`
		NextCursor string       `json:"nextCursor,omitempty"`
	}{Threads: out, NextCursor: next})
}

// handleThreadByID routes /api/chat/threads/{id}[/messages].
func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/chat/threads/")
	threadID, sub, _ := strings.Cut(rest, "/")
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case sub == "messages" && r.Method == http.MethodGet:
		msgs, err := s.chat.ListMessages(r.Context(), userID, threadID)
		if err != nil {
			mapServiceError(w, err)
			return
		}
		out := make([]messageJSON, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, toMessageJSON(m))
		}
		writeJSON(w, http.StatusOK, struct {
			Messages []messageJSON `json:"messages"`
		}{Messages: out})

	case sub == "" && r.Method == http.MethodGet:
		t, err := s.chat.GetThread(r.Context(), userID, threadID)
		if err != nil {
			mapServiceError(w, err)
			return
		}
		if t == nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, toThreadJSON(*t))

	case sub == "" && r.Method == http.MethodDelete:
		mapServiceError(w, s.chat.DeleteThread(r.Context(), userID, threadID))

	case sub == "" && r.Method == http.MethodPatch:
		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		mapServiceError(w, s.chat.RenameThread(r.Context(), userID, threadID, req.Title))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

const maxUploadBytes = 10 << 20

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.userID(w, r); !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	meta, err := s.chat.SaveUpload(file, header.Filename, header.Header.Get("Content-Type"), maxUploadBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleUploadByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.userID(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/chat/uploads/")
	meta, rc, err := s.chat.OpenUpload(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	_, _ = io.Copy(w, rc)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Identity comes from a header, not cookies, so cross-origin requests
	// cannot ride an existing session.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the hub. The hub goroutine and the
// server's ping loop both write, hence the mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) writePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// handleWS upgrades the connection and parks it in the user's hub. The
// socket is server-to-client only; inbound frames are drained and dropped.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	conn := &wsConn{conn: raw}

	if err := s.chat.AttachConn(userID, conn); err != nil {
		s.log.Warn("websocket attach failed", "user_id", userID, "err", err)
		_ = raw.Close()
		return
	}

	stopPing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := conn.writePing(); err != nil {
					return
				}
			}
		}
	}()

	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = raw.SetReadDeadline(time.Now().Add(90 * time.Second))

	// Block on the read loop; its return means the peer is gone.
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			break
		}
	}
	close(stopPing)
	s.chat.DetachConn(userID, conn)
	_ = raw.Close()
}
