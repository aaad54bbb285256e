package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-relay/internal/pacer"
)

// Server upgrades HTTP requests to websocket relay connections.
type Server struct {
	handler   *Handler
	readLimit int64
	logger    *slog.Logger
	conns     sync.WaitGroup
}

func NewServer(h *Handler, readLimit int64, logger *slog.Logger) *Server {
	return &Server{
		handler:   h,
		readLimit: readLimit,
		logger:    logger.With(slog.String("component", "relay-server")),
	}
}

// Wait blocks until every accepted connection has finished.
func (s *Server) Wait() {
	s.conns.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.conns.Add(1)
	defer s.conns.Done()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("remote", r.RemoteAddr), slogError(err))
		return
	}
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}

	err = s.handler.Serve(r.Context(), wsConn{conn: conn}, r.RemoteAddr)
	var te *pacer.TransportError
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.As(err, &te):
		s.logger.Warn("relay connection torn down", slog.String("remote", r.RemoteAddr), slogError(err))
		conn.CloseNow()
	default:
		s.logger.Warn("relay connection failed", slog.String("remote", r.RemoteAddr), slogError(err))
		conn.Close(websocket.StatusInternalError, "relay error")
	}
}
