// Package mockserver is an in-memory chat backend speaking the gateway's
// REST and websocket protocol. It backs gateway tests and the mock-server
// command.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/convsync/internal/gateway"
	"github.com/tOgg1/convsync/internal/logging"
	"github.com/tOgg1/convsync/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Request is a recorded REST request.
type Request struct {
	Method        string
	Path          string
	RequestID     string
	Authorization string
}

type failure struct {
	status int
	body   string
}

// Server is the mock backend. Create with New.
type Server struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	rawExtras     []json.RawMessage
	failures      map[string][]failure
	requests      []Request
	clients       map[*client]struct{}
	token         string

	router chi.Router
	logger zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New creates a Server holding convs.
func New(convs []models.Conversation, opts ...Option) *Server {
	s := &Server{
		conversations: make(map[string]models.Conversation),
		failures:      make(map[string][]failure),
		clients:       make(map[*client]struct{}),
		logger:        logging.Component("mockserver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, c := range convs {
		s.conversations[c.ID] = c
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.authorize)
	r.Get("/conversations", s.handleList)
	r.Post("/conversations/{id}/read", s.handleMarkRead)
	r.Post("/conversations/{id}/unread", s.handleMarkUnread)
	r.Delete("/conversations/{id}", s.handleDelete)
	r.Get("/ws", s.handleSocket)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.CloseClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Put adds or replaces conversations.
func (s *Server) Put(convs ...models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
}

// AppendRaw adds a verbatim entry to every snapshot, e.g. a malformed one.
func (s *Server) AppendRaw(entry json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawExtras = append(s.rawExtras, entry)
}

// Conversation returns the server-side copy of id.
func (s *Server) Conversation(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Conversations returns every conversation sorted by id.
func (s *Server) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// FailNext answers the next request matching method and path with status.
func (s *Server) FailNext(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], failure{status: status, body: body})
}

// Requests returns every REST request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// ClientCount returns the number of connected socket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SendMessage records a message from senderID and pushes new_message to
// every client.
func (s *Server) SendMessage(conversationID, senderID, content string) (models.NewMessagePayload, error) {
	now := time.Now().UTC()
	payload := models.NewMessagePayload{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      now,
	}

	s.mu.Lock()
	c, ok := s.conversations[conversationID]
	if !ok {
		c = models.Conversation{ID: conversationID, DisplayName: senderID}
	}
	c.LastMessagePreview = content
	c.UpdatedAt = now
	c.UnreadCount++
	s.conversations[conversationID] = c
	s.mu.Unlock()

	return payload, s.Broadcast(models.SocketEvent{Type: models.SocketNewMessage, NewMessage: &payload})
}

// Broadcast pushes ev to every connected client. Slow clients are dropped.
func (s *Server) Broadcast(ev models.SocketEvent) error {
	frame, err := gateway.EncodeSocketEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.BroadcastRaw(frame)
}

// BroadcastRaw pushes a verbatim frame to every connected client.
func (s *Server) BroadcastRaw(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			s.logger.Warn().Msg("dropping slow socket client")
			delete(s.clients, c)
			close(c.send)
		}
	}
	return nil
}

// CloseClients disconnects every socket client.
func (s *Server) CloseClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) sortedLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			RequestID:     r.Header.Get(gateway.RequestIDHeader),
			Authorization: r.Header.Get("Authorization"),
		})
		f, failing := s.popFailureLocked(r.Method + " " + r.URL.Path)
		s.mu.Unlock()

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get(gateway.RequestIDHeader)).
			Msg("request")

		if failing {
			http.Error(w, f.body, f.status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) popFailureLocked(key string) (failure, bool) {
	queued := s.failures[key]
	if len(queued) == 0 {
		return failure{}, false
	}
	s.failures[key] = queued[1:]
	return queued[0], true
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	convs := s.sortedLocked()
	extras := append([]json.RawMessage(nil), s.rawExtras...)
	s.mu.Unlock()

	resp := gateway.ConversationsResponse{Conversations: make([]json.RawMessage, 0, len(convs)+len(extras))}
	for _, c := range convs {
		raw, err := json.Marshal(gateway.WireFromConversation(c))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Conversations = append(resp.Conversations, raw)
	}
	resp.Conversations = append(resp.Conversations, extras...)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.updateConversation(w, chi.URLParam(r, "id"), func(c *models.Conversation) {
		c.UnreadCount = 0
	})
}

func (s *Server) handleMarkUnread(w http.ResponseWriter, r *http.Request) {
	s.updateConversation(w, chi.URLParam(r, "id"), func(c *models.Conversation) {
		if c.UnreadCount == 0 {
			c.UnreadCount = 1
		}
	})
}

func (s *Server) updateConversation(w http.ResponseWriter, id string, fn func(*models.Conversation)) {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if ok {
		fn(&c)
		s.conversations[id] = c
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()

	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
