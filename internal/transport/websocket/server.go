// Package websocket carries kill cam chunks as binary WebSocket messages.
package websocket

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
	ws "github.com/gorilla/websocket"
)

const (
	sendChSize = 4096
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 1 << 16
)

// Server upgrades HTTP requests to relay connections. Clients identify
// themselves with the entity query parameter.
type Server struct {
	hub      *transport.Hub
	upgrader ws.Upgrader
	logger   *slog.Logger
}

func NewServer(hub *transport.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:      hub,
		upgrader: ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("entity"), 10, 16)
	if err != nil || id == 0 {
		http.Error(w, "missing or invalid entity", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sendCh := make(chan []byte, sendChSize)
	done := make(chan struct{})
	peer := s.hub.Attach(core.EntityID(id), func(frame []byte) bool {
		select {
		case <-done:
			return false
		case sendCh <- frame:
			return true
		default:
			return false
		}
	})
	s.logger.Info("Client connected", "entity", id, "remote", r.RemoteAddr)

	go s.writeLoop(conn, sendCh, done)
	s.readLoop(conn, peer)

	s.hub.Detach(peer)
	close(done)
	s.logger.Info("Client disconnected", "entity", id)
}

func (s *Server) readLoop(conn *ws.Conn, peer *transport.Peer) {
	defer conn.Close()
	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				s.logger.Warn("WebSocket read error", "entity", peer.ID, "error", err)
			}
			return
		}
		if kind != ws.BinaryMessage {
			s.logger.Debug("Ignoring non-binary message", "entity", peer.ID)
			continue
		}
		s.hub.Deliver(peer, msg)
	}
}

func (s *Server) writeLoop(conn *ws.Conn, sendCh <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case frame := <-sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(ws.BinaryMessage, frame); err != nil {
				s.logger.Warn("WebSocket write error", "error", err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
