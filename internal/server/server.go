// Package server exposes the control API the chat adapter consumes: session
// lifecycle operations over JSON HTTP plus a per-conversation notification
// feed over server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joss/ocbridge/internal/agent"
	"github.com/joss/ocbridge/internal/logging"
	"github.com/joss/ocbridge/internal/session"
)

// Server provides the HTTP control surface over a session Manager.
type Server struct {
	manager *session.Manager
	hub     *hub
	mux     *http.ServeMux
	addr    string
	logger  *logging.Logger
}

func New(manager *session.Manager, addr string) *Server {
	s := &Server{
		manager: manager,
		hub:     newHub(),
		mux:     http.NewServeMux(),
		addr:    addr,
		logger:  logging.New("control-api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("POST /conversations/{id}", s.handleCreateConversation)
	s.mux.HandleFunc("DELETE /conversations/{id}", s.handleClearConversation)
	s.mux.HandleFunc("POST /conversations/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /conversations/{id}/interrupt", s.handleInterrupt)
	s.mux.HandleFunc("POST /conversations/{id}/project", s.handleSwitchProject)
	s.mux.HandleFunc("POST /conversations/{id}/permission", s.handlePermissionReply)
	s.mux.HandleFunc("GET /conversations/{id}/events", s.handleEvents)
}

// Handler returns the route table, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
		// No write timeout: the event feed stays open indefinitely.
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", map[string]interface{}{"addr": s.addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	snaps := make([]*session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	json.NewEncoder(w).Encode(snaps)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(r)
	if !ok {
		http.Error(w, "no session for conversation", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(struct {
		*session.Snapshot
		PendingPermission *agent.PermissionRequest `json:"pendingPermission,omitempty"`
	}{sess.Snapshot(), sess.PendingPermission()})
}

// handleCreateConversation registers a session for the conversation without
// forwarding a message, so a chat adapter can honor an explicit start
// command. The agent binding itself is still established lazily.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		UserID      string `json:"userID"`
		ProjectPath string `json:"projectPath,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if sess, ok := s.resolve(r); ok {
		json.NewEncoder(w).Encode(sess.Snapshot())
		return
	}

	sess, err := s.manager.GetOrCreate(id, req.UserID, req.ProjectPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess.SetNotifier(s.hub.notifier(id))
	s.manager.Persist(r.Context(), id)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess.Snapshot())
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.manager.Clear(r.Context(), id) {
		http.Error(w, "no session for conversation", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		UserID      string `json:"userID"`
		ProjectPath string `json:"projectPath,omitempty"`
		Text        string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	sess, err := s.ensureSession(r, id, req.UserID, req.ProjectPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sess.SendMessage(r.Context(), req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	s.manager.Persist(r.Context(), id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(r)
	if !ok {
		http.Error(w, "no session for conversation", http.StatusNotFound)
		return
	}
	if err := sess.Interrupt(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitchProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.resolve(r); !ok {
		http.Error(w, "no session for conversation", http.StatusNotFound)
		return
	}
	if err := s.manager.SwitchProject(r.Context(), id, req.Path); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermissionReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision agent.Decision `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Decision {
	case agent.DecisionOnce, agent.DecisionAlways, agent.DecisionReject:
	default:
		http.Error(w, fmt.Sprintf("unknown decision %q", req.Decision), http.StatusBadRequest)
		return
	}

	sess, ok := s.resolve(r)
	if !ok {
		http.Error(w, "no session for conversation", http.StatusNotFound)
		return
	}
	if err := sess.ReplyToLatestPermission(r.Context(), req.Decision); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams a conversation's notifications as server-sent events
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.hub.subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-ch:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// resolve finds the live session for the request's conversation, restoring
// it from storage when the process restarted since the last message.
func (s *Server) resolve(r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	if sess, ok := s.manager.Get(id); ok {
		return sess, true
	}
	sess, ok := s.manager.Restore(r.Context(), id)
	if ok {
		sess.SetNotifier(s.hub.notifier(id))
	}
	return sess, ok
}

// ensureSession resolves or creates the conversation's session and makes
// sure it has a live agent binding before a message is forwarded.
func (s *Server) ensureSession(r *http.Request, id, userID, projectPath string) (*session.Session, error) {
	sess, ok := s.resolve(r)
	if !ok {
		created, err := s.manager.GetOrCreate(id, userID, projectPath)
		if err != nil {
			return nil, err
		}
		created.SetNotifier(s.hub.notifier(id))
		sess = created
	}

	switch sess.Status() {
	case session.StatusUninitialized, session.StatusError, session.StatusTerminated:
		if err := sess.Start(r.Context()); err != nil {
			return nil, err
		}
		s.manager.Persist(r.Context(), id)
	}
	return sess, nil
}

// writeError maps operation errors onto distinct, human-readable responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var se *agent.StartupError
	switch {
	case errors.Is(err, session.ErrBusy):
		http.Error(w, "a turn is already in flight; interrupt it first", http.StatusConflict)
	case errors.Is(err, agent.ErrNotRunning):
		http.Error(w, "nothing is running for this conversation", http.StatusConflict)
	case errors.Is(err, session.ErrNoPendingPermission):
		http.Error(w, "no permission request is pending", http.StatusConflict)
	case errors.Is(err, session.ErrProjectNotAllowed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrAlreadyRunning):
		http.Error(w, "session is already starting", http.StatusConflict)
	case errors.As(err, &se):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
