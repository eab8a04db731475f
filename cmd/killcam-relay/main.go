// Command killcam-relay relays kill cam streams between game clients and
// archives the broadcast ones.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/OCAP2/killcam/internal/api"
	"github.com/OCAP2/killcam/internal/client"
	"github.com/OCAP2/killcam/internal/config"
	"github.com/OCAP2/killcam/internal/forwarder"
	"github.com/OCAP2/killcam/internal/logging"
	"github.com/OCAP2/killcam/internal/model"
	"github.com/OCAP2/killcam/internal/monitor"
	intOtel "github.com/OCAP2/killcam/internal/otel"
	"github.com/OCAP2/killcam/internal/storage"
	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/internal/transport/framed"
	"github.com/OCAP2/killcam/internal/transport/websocket"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BuildDate can be set at build time via ldflags.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

const program = "killcam-relay"

// archiveEntity is the id of the in-process client that watches broadcast
// kill cams for the archive.
const archiveEntity core.EntityID = 0xFFFF

const uploadTimeout = 2 * time.Minute

func main() {
	configDir := flag.String("config", ".", "directory holding "+config.FileName)
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	if err := config.Load(configDir); err != nil {
		return err
	}
	start := time.Now()

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	logFile, err := os.Create(logging.LogFilePath(logsDir, program, start))
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	otelCfg := config.GetOTelConfig()
	var otelWriter io.Writer
	if otelCfg.Enabled {
		f, err := os.Create(logging.LogFilePath(logsDir, program+".otel", start))
		if err != nil {
			return fmt.Errorf("failed to create otel log file: %w", err)
		}
		defer f.Close()
		otelWriter = f
	}
	provider, err := intOtel.New(otelCfg, otelWriter)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	var hub *transport.Hub
	level := config.GetString("logLevel")
	slogManager := logging.NewSlogManager()
	slogManager.Setup(logFile, level, otelCfg.ServiceName, provider.LoggerProvider(), func() []slog.Attr {
		if hub == nil {
			return nil
		}
		return []slog.Attr{slog.Int("clients", hub.Clients())}
	})
	logger := slogManager.Logger()
	slog.SetDefault(logger)
	logger.Info("Starting", "program", program, "version", Version, "buildDate", BuildDate)

	dbLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		dbLevel = zerolog.InfoLevel
	}
	dbLog := zerolog.New(logFile).Level(dbLevel).With().Timestamp().Str("component", "database").Logger()

	tc := config.GetTransportConfig()
	kc := config.GetKillCamConfig()

	archive, err := storage.NewBackend(config.GetStorageConfig(), config.GetDBConfig(), model.RelayInfo{
		ServiceName: otelCfg.ServiceName,
		Protocol:    tc.Protocol,
		StartedAt:   start,
	}, logger, dbLog)
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}
	if err := archive.Init(); err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	defer func() {
		if err := archive.Close(); err != nil {
			logger.Error("Failed to close storage backend", "error", err)
		}
		if e, ok := archive.(storage.Exporter); ok && e.ExportedFilePath() != "" {
			logger.Info("Kill cams exported", "path", e.ExportedFilePath())
			uploadExport(e, start, logger)
		}
	}()

	hub = transport.NewHub(transport.HubConfig{
		MaxChunksPerSecond: tc.MaxChunksPerSecond,
		QueueSize:          4 * tickRate * tc.MaxChunksPerSecond,
	}, logger)

	fw, err := forwarder.New(forwarder.Config{
		HistorySize:    kc.HistorySize,
		ForwardTimeout: kc.ForwardTimeout,
	}, hub, logger)
	if err != nil {
		return fmt.Errorf("failed to create forwarder: %w", err)
	}

	spectatorCfg := client.ConfigFrom(kc)
	spectatorCfg.ConfirmBroadcasts = true
	spectator, err := client.New(spectatorCfg, archiveEntity, hub.Connect(archiveEntity, 0), nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create archive client: %w", err)
	}
	spectator.SetArchive(archive)
	defer spectator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if err := startTransport(ctx, g, tc, hub, logger); err != nil {
		return err
	}

	r := newRelay(hub, fw, spectator, logger)
	g.Go(func() error {
		return r.run(ctx)
	})

	if mc := config.GetMonitorConfig(); mc.Interval > 0 {
		status := monitor.NewService(monitor.Dependencies{
			Hub:        hub,
			Forwarder:  fw,
			Logger:     logger,
			StatusFile: mc.StatusFile,
		})
		g.Go(func() error {
			return status.Run(ctx, mc.Interval)
		})
	}

	logger.Info("Relay started", "protocol", tc.Protocol, "listen", tc.Listen)
	err = g.Wait()
	logger.Info("Relay stopped")
	if flushErr := slogManager.Flush(context.Background()); flushErr != nil {
		fmt.Fprintln(os.Stderr, flushErr)
	}
	return err
}

// uploadExport sends the exported archive to the web frontend when one is
// configured.
func uploadExport(e storage.Exporter, start time.Time, logger *slog.Logger) {
	web := config.GetWebConfig()
	if web.URL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	c := api.New(web.URL, web.APIKey)
	if err := c.Healthcheck(ctx); err != nil {
		logger.Warn("Web frontend unreachable, skipping upload", "error", err, "url", web.URL)
		return
	}
	err := c.Upload(ctx, e.ExportedFilePath(), api.UploadMetadata{
		KillCams: e.ExportedKillCams(),
		Started:  start,
		Duration: time.Since(start),
		Tag:      web.Tag,
	})
	if err != nil {
		logger.Error("Failed to upload kill cams", "error", err, "path", e.ExportedFilePath())
		return
	}
	logger.Info("Uploaded kill cams", "path", e.ExportedFilePath(), "url", web.URL)
}

// startTransport serves the configured client transport in g until ctx is
// done.
func startTransport(ctx context.Context, g *errgroup.Group, tc config.TransportConfig, hub *transport.Hub, logger *slog.Logger) error {
	switch tc.Protocol {
	case "websocket":
		path := "/"
		if u, err := url.Parse(tc.URL); err == nil && u.Path != "" {
			path = u.Path
		}
		mux := http.NewServeMux()
		mux.Handle(path, websocket.NewServer(hub, logger))
		srv := &http.Server{Addr: tc.Listen, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("websocket server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return nil
	case "tcp", "kcp":
		l, err := framed.Listen(tc.Protocol, tc.Listen)
		if err != nil {
			return err
		}
		srv := framed.NewServer(hub, l, logger)
		g.Go(func() error {
			return srv.Serve(ctx)
		})
		return nil
	default:
		return fmt.Errorf("unknown transport protocol: %s", tc.Protocol)
	}
}
