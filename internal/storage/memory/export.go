// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/OCAP2/killcam/pkg/core"
)

const exportVersion = 1

// KillCamExport is the root JSON structure.
type KillCamExport struct {
	Version    int           `json:"version"`
	StartedAt  time.Time     `json:"startedAt"`
	ExportedAt time.Time     `json:"exportedAt"`
	KillCams   []KillCamJSON `json:"killCams"`
}

// KillCamJSON is one kill cam with its compressed stream regions base64
// encoded.
type KillCamJSON struct {
	*core.KillCam
	Packets  int     `json:"packets"`
	Duration float32 `json:"duration"`
}

func (b *Backend) buildExport() KillCamExport {
	export := KillCamExport{
		Version:    exportVersion,
		StartedAt:  b.started,
		ExportedAt: time.Now(),
		KillCams:   make([]KillCamJSON, 0, len(b.killCams)),
	}
	for _, kc := range b.killCams {
		export.KillCams = append(export.KillCams, KillCamJSON{
			KillCam:  kc,
			Packets:  len(kc.Packets),
			Duration: kc.Duration(),
		})
	}
	return export
}

// exportJSON writes the kill cams to a (gzipped) JSON file.
func (b *Backend) exportJSON() error {
	export := b.buildExport()

	filename := fmt.Sprintf("killcams_%s.json", b.started.Format("20060102_150405"))
	if b.cfg.CompressOutput {
		filename += ".gz"
	}
	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if b.cfg.CompressOutput {
		gzWriter := gzip.NewWriter(f)
		defer gzWriter.Close()
		w = gzWriter
	}
	if err := json.NewEncoder(w).Encode(export); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}

	b.lastExportPath = outputPath
	return nil
}
