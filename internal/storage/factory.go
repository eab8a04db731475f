// internal/storage/factory.go
package storage

import (
	"fmt"
	"log/slog"

	"github.com/OCAP2/killcam/internal/config"
	"github.com/OCAP2/killcam/internal/database"
	"github.com/OCAP2/killcam/internal/logging"
	"github.com/OCAP2/killcam/internal/model"
	gormstorage "github.com/OCAP2/killcam/internal/storage/gorm"
	"github.com/OCAP2/killcam/internal/storage/memory"
	"github.com/rs/zerolog"
)

// NewBackend creates an archive backend based on configuration. Database
// backends are connected and migrated here; Init still has to be called.
func NewBackend(cfg config.StorageConfig, dbCfg config.DBConfig, info model.RelayInfo, logger *slog.Logger, dbLog zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.Memory, logger), nil
	case "sqlite":
		db := database.NewManager(dbLog)
		if err := db.OpenSqlite(""); err != nil {
			return nil, err
		}
		if err := db.Setup(info); err != nil {
			db.Close()
			return nil, err
		}
		return gormstorage.New(gormstorage.Dependencies{
			DB:           db,
			Logger:       logging.NewZerologAdapter(dbLog),
			DumpPath:     cfg.SQLite.Path,
			DumpInterval: cfg.SQLite.DumpInterval,
		}), nil
	case "postgres":
		db := database.NewManager(dbLog)
		if err := db.OpenPostgres(dbCfg); err != nil {
			return nil, err
		}
		if err := db.Setup(info); err != nil {
			db.Close()
			return nil, err
		}
		return gormstorage.New(gormstorage.Dependencies{
			DB:     db,
			Logger: logging.NewZerologAdapter(dbLog),
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
