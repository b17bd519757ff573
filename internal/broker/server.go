package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/outpost-sys/outpost/internal/msgstore"
)

// Server exposes the broker over local HTTP for the monitor and manager
// processes. It binds to loopback only; there is no remote surface here.
type Server struct {
	broker *Broker
	logger *slog.Logger

	httpSrv *http.Server
}

// sendRequest is the body of POST /v1/messages.
type sendRequest struct {
	Message msgstore.Message `json:"message"`
	Urgent  bool             `json:"urgent"`
}

type sendResponse struct {
	ID int64 `json:"id"`
}

type urgentResponse struct {
	Urgent bool `json:"urgent"`
}

type typesResponse struct {
	Types []string `json:"types"`
}

type pendingResponse struct {
	Pending bool `json:"pending"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

// NewServer builds the RPC server for a broker.
func NewServer(b *Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{broker: b, logger: logger.With("component", "broker_rpc")}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleSend)
	mux.HandleFunc("GET /v1/urgent", s.handleUrgent)
	mux.HandleFunc("POST /v1/message-types", s.handleRegisterType)
	mux.HandleFunc("GET /v1/accepted-types", s.handleAcceptedTypes)
	mux.HandleFunc("GET /v1/messages/{id}/pending", s.handlePending)
	mux.HandleFunc("POST /v1/sessions", s.handleSession)
	mux.HandleFunc("POST /v1/exchange", s.handleExchange)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// ListenAndServe serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}()
	s.logger.Info("broker rpc listening", "addr", ln.Addr().String())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	id, err := s.broker.Send(r.Context(), req.Message, req.Urgent)
	if err != nil {
		var invalid *msgstore.InvalidMessageError
		if errors.As(err, &invalid) {
			http.Error(w, invalid.Error(), http.StatusUnprocessableEntity)
			return
		}
		s.logger.Error("send failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sendResponse{ID: id})
}

func (s *Server) handleUrgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, urgentResponse{Urgent: s.broker.IsUrgent()})
}

func (s *Server) handleRegisterType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	s.broker.RegisterType(req.Type)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptedTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.broker.AcceptedTypes(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, typesResponse{Types: types})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad message id", http.StatusBadRequest)
		return
	}
	pending, err := s.broker.IsPending(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, pendingResponse{Pending: pending})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	id, err := s.broker.SessionID(r.Context(), req.Scope)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessionResponse{ID: id})
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	// Force an immediate attempt; failures stay on the exchanger's backoff
	// schedule and are not this caller's problem.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.broker.Exchange(ctx); err != nil {
			s.logger.Warn("requested exchange failed", "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.broker.AcceptedTypes(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleEvents streams bus events matching an optional topic prefix over a
// websocket. Slow consumers miss events rather than stall the broker.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topics")
	sub := s.broker.Bus().Subscribe(prefix)
	defer s.broker.Bus().Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, StreamEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}

// StreamEvent is the JSON shape of one streamed bus event.
type StreamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

