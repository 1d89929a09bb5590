// Package app wires the live scan mirror, its transport and every
// supporting component into one process.
package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lyallcooper/kuron-watch/internal/config"
	"github.com/lyallcooper/kuron-watch/internal/console"
	"github.com/lyallcooper/kuron-watch/internal/control"
	"github.com/lyallcooper/kuron-watch/internal/handlers"
	"github.com/lyallcooper/kuron-watch/internal/journal"
	"github.com/lyallcooper/kuron-watch/internal/livescan"
	"github.com/lyallcooper/kuron-watch/internal/metrics"
	"github.com/lyallcooper/kuron-watch/internal/scheduler"
	"github.com/lyallcooper/kuron-watch/internal/telemetry"
	"github.com/lyallcooper/kuron-watch/internal/transport"
	"github.com/sirupsen/logrus"
)

const serviceName = "kuron-watch"

// Options contains process-level settings that are not part of Config.
type Options struct {
	// Version string for display.
	Version string

	// Commit hash for display.
	Commit string

	// ConsoleOut receives one progress line per change. Nil disables the
	// console feed.
	ConsoleOut io.Writer

	// Dialer overrides how the progress stream is opened.
	Dialer transport.DialFunc
}

// App holds every component of a running watcher.
type App struct {
	Config    *config.Config
	Logger    logrus.FieldLogger
	Version   string
	Metrics   *metrics.Metrics
	Control   *control.Client
	Engine    *livescan.Engine
	Stream    *transport.Manager
	Scheduler *scheduler.Scheduler
	Journal   *journal.DB      // nil when disabled
	Status    *handlers.Server // nil when disabled
	Console   *console.Printer // nil when disabled

	shutdownTracing func(context.Context)
	statusAddr      net.Addr
	consoleCancel   context.CancelFunc
	consoleDone     chan struct{}
	cleanupOnce     sync.Once
}

// New initializes all components. Nothing connects or listens until Start.
// Call Cleanup when done to release resources.
func New(cfg *config.Config, logger logrus.FieldLogger, opts Options) (*App, error) {
	tp, shutdownTracing, err := telemetry.InitTracing(logger, telemetry.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.OTLPEndpoint,
		Insecure:         cfg.OTLPInsecure,
		Probability:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	tracer := tp.Tracer(serviceName)

	a := &App{
		Config:          cfg,
		Logger:          logger,
		Version:         buildVersionString(opts.Version, opts.Commit),
		Metrics:         metrics.New(),
		shutdownTracing: shutdownTracing,
	}

	a.Control, err = control.NewClient(cfg.ServerURL,
		control.WithTimeout(cfg.RequestTimeout),
		control.WithTracer(tracer),
		control.WithLogger(logger),
	)
	if err != nil {
		shutdownTracing(context.Background())
		return nil, fmt.Errorf("failed to create control client: %w", err)
	}

	if cfg.JournalPath != "" {
		a.Journal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			shutdownTracing(context.Background())
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}

	engineOpts := []livescan.Option{
		livescan.WithLogger(logger),
		livescan.WithMetrics(a.Metrics),
		livescan.WithTracer(tracer),
		livescan.WithGracePeriods(cfg.CompletedGrace, cfg.ErrorGrace),
	}
	if a.Journal != nil {
		engineOpts = append(engineOpts, livescan.WithCompletionHook(a.Journal.Hook(logger, nil)))
	}
	a.Engine = livescan.New(a.Control, engineOpts...)

	endpoint, err := transport.EndpointFromOrigin(cfg.ServerURL)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("failed to derive stream endpoint: %w", err)
	}
	streamOpts := []transport.Option{
		transport.WithReconnectDelay(cfg.ReconnectDelay),
		transport.WithDialTimeout(cfg.DialTimeout),
		transport.WithLogger(logger),
		transport.WithMetrics(a.Metrics),
	}
	if opts.Dialer != nil {
		streamOpts = append(streamOpts, transport.WithDialer(opts.Dialer))
	}
	a.Stream = transport.NewManager(endpoint, a.Engine, streamOpts...)

	a.Scheduler = scheduler.New(a.Control, a.Engine,
		scheduler.WithLogger(logger),
		scheduler.WithTracer(tracer),
		scheduler.WithPathFilter(cfg.IsPathAllowed),
	)

	if cfg.StatusAddr != "" {
		handlerOpts := []handlers.Option{
			handlers.WithLogger(logger),
			handlers.WithMetricsHandler(a.Metrics.Handler()),
		}
		if a.Journal != nil {
			handlerOpts = append(handlerOpts, handlers.WithHistory(a.Journal))
		}
		a.Status = handlers.NewServer(cfg.StatusAddr, handlers.New(a.Engine, a.Scheduler, handlerOpts...), logger)
	}

	if opts.ConsoleOut != nil {
		a.Console = console.New(opts.ConsoleOut, cfg.ConsoleRate)
	}

	return a, nil
}

// Start opens the progress stream and starts every background component.
func (a *App) Start() error {
	if a.Status != nil {
		ln, err := net.Listen("tcp", a.Config.StatusAddr)
		if err != nil {
			return fmt.Errorf("status server listen: %w", err)
		}
		a.statusAddr = ln.Addr()
		go func() {
			if err := a.Status.Serve(ln); err != nil {
				a.Logger.WithError(err).Error("status server failed")
			}
		}()
	}

	if a.Console != nil {
		updates := a.Engine.Subscribe()
		ctx, cancel := context.WithCancel(context.Background())
		a.consoleCancel = cancel
		a.consoleDone = make(chan struct{})
		go func() {
			defer close(a.consoleDone)
			a.Console.Run(ctx, updates)
		}()
	}

	a.Scheduler.Start()

	if err := a.Engine.Start(a.Stream); err != nil {
		return fmt.Errorf("failed to start live scan mirror: %w", err)
	}
	return nil
}

// StatusAddr returns the address the status server listens on, or nil.
func (a *App) StatusAddr() net.Addr {
	return a.statusAddr
}

// Cleanup releases all resources in dependency order: the mirror first so
// no timer or frame fires afterwards, then the status server, scheduler,
// console, journal and tracing. It is safe to call more than once.
func (a *App) Cleanup() {
	a.cleanupOnce.Do(func() {
		a.Engine.Stop()

		if a.Status != nil && a.statusAddr != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Status.Shutdown(ctx); err != nil {
				a.Logger.WithError(err).Warn("status server shutdown")
			}
			cancel()
		}

		a.Scheduler.Stop()

		if a.consoleCancel != nil {
			a.consoleCancel()
			<-a.consoleDone
		}

		a.closeResources()
	})
}

func (a *App) closeResources() {
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			a.Logger.WithError(err).Warn("closing journal")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.shutdownTracing(ctx)
}

// StartCleanupLoop starts a background goroutine that periodically prunes
// the journal. Returns a cancel function and a done channel.
func (a *App) StartCleanupLoop(interval time.Duration) (cancel func(), done <-chan struct{}) {
	cleanupDone := make(chan struct{})
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())

	if a.Journal == nil || a.Config.RetentionDays <= 0 {
		close(cleanupDone)
		return cleanupCancel, cleanupDone
	}

	go func() {
		defer close(cleanupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				a.cleanup()
			}
		}
	}()

	return cleanupCancel, cleanupDone
}

func (a *App) cleanup() {
	deleted, err := a.Journal.CleanupOldData(a.Config.RetentionDays)
	if err != nil {
		a.Logger.WithError(err).Error("journal cleanup failed")
		return
	}
	a.Logger.WithFields(logrus.Fields{
		"retention_days": a.Config.RetentionDays,
		"deleted":        deleted,
	}).Info("journal cleanup")
}

func buildVersionString(version, commit string) string {
	if version == "" {
		version = "dev"
	}
	if strings.HasPrefix(version, "v") {
		return version
	}
	shortCommit := commit
	if len(shortCommit) > 7 {
		shortCommit = shortCommit[:7]
	}
	if shortCommit == "" {
		shortCommit = "unknown"
	}
	return version + "-" + shortCommit
}
