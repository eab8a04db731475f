package framed

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
)

// Server attaches every accepted connection to a hub.
type Server struct {
	hub      *transport.Hub
	listener Listener
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewServer(hub *transport.Hub, l Listener, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, listener: l, logger: logger}
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	defer s.wg.Wait()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	hello, err := readFrame(conn)
	if err != nil || len(hello) != helloSize {
		s.logger.Warn("Bad client hello", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	id := core.EntityID(binary.LittleEndian.Uint16(hello))
	if id == 0 {
		s.logger.Warn("Client hello without entity", "remote", conn.RemoteAddr())
		return
	}

	sendCh := make(chan []byte, sendChSize)
	done := make(chan struct{})
	peer := s.hub.Attach(id, func(frame []byte) bool {
		select {
		case <-done:
			return false
		case sendCh <- frame:
			return true
		default:
			return false
		}
	})
	s.logger.Info("Client connected", "entity", id, "remote", conn.RemoteAddr())

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case frame := <-sendCh:
				if err := writeFrame(conn, frame); err != nil {
					s.logger.Warn("Frame write error", "entity", id, "error", err)
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Frame read error", "entity", id, "error", err)
			}
			break
		}
		if len(frame) == 0 {
			continue
		}
		s.hub.Deliver(peer, frame)
	}

	s.hub.Detach(peer)
	close(done)
	s.logger.Info("Client disconnected", "entity", id)
}
