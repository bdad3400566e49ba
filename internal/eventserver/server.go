// Package eventserver exposes the engine's event feed over a localhost
// websocket so the dashboard (or anything else) can watch the daemon live.
package eventserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/logging"
)

const (
	// wsPingInterval is the interval between ping frames sent to clients.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing one message.
	wsWriteTimeout = 5 * time.Second
	// subscriberBuffer is the per-client event buffer; a slow client misses
	// events rather than stalling the bus.
	subscriberBuffer = 64
)

// Server serves GET /ws (event stream) and GET /healthz on a local address.
type Server struct {
	addr     string
	bus      *events.Bus
	log      *slog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server
}

// New creates a server bound to addr.
func New(addr string, bus *events.Bus) *Server {
	return &Server{
		addr: addr,
		bus:  bus,
		log:  logging.WithComponent("eventserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start serves until ctx is cancelled. A listen failure is returned
// immediately; a clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: mux}

	s.log.Info("Event server listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWS upgrades the connection and streams events until the client
// disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	s.log.Debug("Client connected", slog.String("remote", r.RemoteAddr))

	sub, cancel := s.bus.Subscribe(subscriberBuffer)
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: nothing is expected from clients; this only detects
	// disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debug("Write failed, dropping client", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
