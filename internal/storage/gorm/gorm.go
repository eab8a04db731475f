// Package gormstorage archives kill cams through gorm to sqlite or postgres.
// Rows are queued by SaveKillCam and written in batches by a background
// writer, so callers on the game tick never wait for the database.
package gormstorage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OCAP2/killcam/internal/database"
	"github.com/OCAP2/killcam/internal/logging"
	"github.com/OCAP2/killcam/internal/model"
	"github.com/OCAP2/killcam/internal/model/convert"
	"github.com/OCAP2/killcam/internal/queue"
	"github.com/OCAP2/killcam/pkg/core"
	"gorm.io/gorm"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultQueueSize     = 1024
)

// ErrBacklog is returned by SaveKillCam when the write queue is full.
var ErrBacklog = errors.New("kill cam archive backlog full")

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB     *database.Manager
	Logger logging.Logger
	// DumpPath, when set, receives a VACUUM INTO snapshot every
	// DumpInterval and on Close. Only meaningful for sqlite.
	DumpPath      string
	DumpInterval  time.Duration
	FlushInterval time.Duration
	QueueSize     int
}

// Backend implements storage.Backend with queue-based batch writes.
type Backend struct {
	deps     Dependencies
	queue    *queue.Queue[model.KillCamArchive]
	stopChan chan struct{}
	wg       sync.WaitGroup
	writeMu  sync.Mutex
}

// New creates a new GORM storage backend. deps.DB must already be set up.
func New(deps Dependencies) *Backend {
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = defaultFlushInterval
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = defaultQueueSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{deps: deps}
}

// Init creates the write queue and starts the writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil || b.deps.DB.DB == nil {
		return errors.New("no database connection")
	}
	b.queue = queue.New[model.KillCamArchive](b.deps.QueueSize)
	b.stopChan = make(chan struct{})

	b.wg.Add(1)
	go b.writerLoop()
	return nil
}

// Close stops the writer, writes what is left, takes a final dump when
// configured and closes the database.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	close(b.stopChan)
	b.wg.Wait()
	b.stopChan = nil

	var errs []error
	if err := b.flush(); err != nil {
		errs = append(errs, err)
	}
	if b.deps.DumpPath != "" {
		if err := b.deps.DB.DumpToDisk(b.deps.DumpPath); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.deps.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SaveKillCam converts kc and queues it for the writer.
func (b *Backend) SaveKillCam(kc *core.KillCam) error {
	if !b.queue.Push(convert.KillCamToArchive(kc)) {
		return ErrBacklog
	}
	return nil
}

// Pending returns the number of rows waiting to be written.
func (b *Backend) Pending() int {
	return b.queue.Len()
}

func (b *Backend) writerLoop() {
	defer b.wg.Done()

	flush := time.NewTicker(b.deps.FlushInterval)
	defer flush.Stop()

	var dump <-chan time.Time
	if b.deps.DumpPath != "" && b.deps.DumpInterval > 0 {
		t := time.NewTicker(b.deps.DumpInterval)
		defer t.Stop()
		dump = t.C
	}

	for {
		select {
		case <-b.stopChan:
			return
		case <-flush.C:
			if err := b.flush(); err != nil {
				b.deps.Logger.Error("Failed to write kill cams", "error", err)
			}
		case <-dump:
			if err := b.deps.DB.DumpToDisk(b.deps.DumpPath); err != nil {
				b.deps.Logger.Error("Failed to dump archive to disk", "error", err)
			}
		}
	}
}

// flush writes every queued row in one transaction. Rows are requeued when
// the transaction fails.
func (b *Backend) flush() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	items := b.queue.Drain(nil)
	if len(items) == 0 {
		return nil
	}

	err := b.deps.DB.DB.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&items).Error
	})
	if err != nil {
		for _, item := range items {
			b.queue.Push(item)
		}
		return fmt.Errorf("creating %d kill cam archives: %w", len(items), err)
	}

	b.deps.Logger.Debug("Wrote kill cams", "count", len(items))
	return nil
}
