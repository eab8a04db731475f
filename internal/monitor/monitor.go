package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/OCAP2/killcam/internal/forwarder"
	"github.com/OCAP2/killcam/internal/transport"
)

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Hub        *transport.Hub
	Forwarder  *forwarder.Forwarder
	Logger     *slog.Logger
	StatusFile string
}

// Status is a point-in-time snapshot of the relay.
type Status struct {
	Time            time.Time `json:"time"`
	Clients         int       `json:"clients"`
	InboundQueued   int       `json:"inboundQueued"`
	InboundDropped  uint64    `json:"inboundDropped"`
	PendingForwards int       `json:"pendingForwards"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Status returns the current relay status.
func (s *Service) Status() Status {
	st := Status{Time: time.Now()}
	if s.deps.Hub != nil {
		st.Clients = s.deps.Hub.Clients()
		st.InboundQueued = s.deps.Hub.Inbound().Len()
		st.InboundDropped = s.deps.Hub.Inbound().Dropped()
	}
	if s.deps.Forwarder != nil {
		st.PendingForwards = s.deps.Forwarder.Pending()
	}
	return st
}

// Run reports status every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.report()
		}
	}
}

func (s *Service) report() {
	st := s.Status()
	s.deps.Logger.Debug("Relay status",
		"clients", st.Clients,
		"inboundQueued", st.InboundQueued,
		"inboundDropped", st.InboundDropped,
		"pendingForwards", st.PendingForwards)

	if s.deps.StatusFile == "" {
		return
	}
	if err := s.writeStatusFile(st); err != nil {
		s.deps.Logger.Error("Failed to write status file", "error", err, "path", s.deps.StatusFile)
	}
}

func (s *Service) writeStatusFile(st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	tmp := s.deps.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return os.Rename(tmp, s.deps.StatusFile)
}
