// internal/storage/storage.go
package storage

import "github.com/OCAP2/killcam/pkg/core"

// Backend is the interface all kill cam archives must satisfy.
type Backend interface {
	Init() error
	Close() error

	// SaveKillCam stores one reassembled kill cam. It must not block the
	// caller on I/O.
	SaveKillCam(kc *core.KillCam) error
}

// Exporter is implemented by backends that write a file on Close.
type Exporter interface {
	ExportedFilePath() string
	ExportedKillCams() int
}
