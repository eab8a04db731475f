// internal/storage/memory/memory.go
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/OCAP2/killcam/internal/config"
	"github.com/OCAP2/killcam/pkg/core"
)

// Backend keeps kill cams in memory and exports them to JSON on Close.
type Backend struct {
	cfg     config.MemoryConfig
	logger  *slog.Logger
	started time.Time

	killCams        []*core.KillCam
	lastExportPath  string
	lastExportCount int
	mu              sync.RWMutex
}

// New creates a new memory backend.
func New(cfg config.MemoryConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
	}
}

// Init marks the start of the archive session.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = time.Now()
	b.killCams = nil
	return nil
}

// Close exports every stored kill cam. Nothing is written when none were
// stored.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.killCams) == 0 {
		return nil
	}
	if err := b.exportJSON(); err != nil {
		return err
	}
	b.lastExportCount = len(b.killCams)
	b.logger.Info("Exported kill cams", "count", len(b.killCams), "path", b.lastExportPath)
	return nil
}

// SaveKillCam stores kc. The caller must not modify kc afterwards.
func (b *Backend) SaveKillCam(kc *core.KillCam) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killCams = append(b.killCams, kc)
	return nil
}

// KillCams returns the stored kill cams in arrival order.
func (b *Backend) KillCams() []*core.KillCam {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*core.KillCam, len(b.killCams))
	copy(out, b.killCams)
	return out
}

// ExportedFilePath returns the file written by the last Close.
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}

// ExportedKillCams returns how many kill cams the last Close wrote.
func (b *Backend) ExportedKillCams() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportCount
}
