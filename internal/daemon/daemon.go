package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/semfold/internal/config"
	"github.com/standardbeagle/semfold/internal/lifecycle"
	"github.com/standardbeagle/semfold/internal/logging"
	"github.com/standardbeagle/semfold/internal/models"
)

// Daemon composes the folder manager, the shared model registry, the
// singleton registry, and signal handling into the long-running process.
type Daemon struct {
	cfg        *config.Config
	configPath string
	models     *models.Registry
	manager    *lifecycle.Manager
	pids       *Registry
	supervisor *Supervisor
	log        *zap.Logger

	shuttingDown atomic.Bool
}

// New wires a daemon from loaded configuration. configPath is re-read on
// reload; empty disables reloading.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	pids, err := NewRegistry()
	if err != nil {
		return nil, err
	}

	log := logging.Named("daemon")
	registry := models.NewRegistry(cfg.ModelRegistry.Capacity)
	sink := func(s lifecycle.FolderStatus) {
		log.Info("folder status",
			zap.String("folder", s.Path),
			zap.String("state", string(s.State)),
			zap.Int("pending", s.Queue.Pending),
			zap.Int("failed", s.Queue.Failed),
			zap.String("lastError", s.LastError))
	}

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		models:     registry,
		manager:    lifecycle.NewManager(cfg, registry, sink),
		pids:       pids,
		log:        log,
	}
	if cmd := cfg.ModelBackend.Command; len(cmd) > 0 {
		d.supervisor = NewSupervisor(cfg.AutoRestart, cmd[0], cmd[1:]...)
	}
	return d, nil
}

// Manager exposes the folder manager to control surfaces.
func (d *Daemon) Manager() *lifecycle.Manager { return d.manager }

// Models exposes the shared model registry.
func (d *Daemon) Models() *models.Registry { return d.models }

// Supervisor exposes the model-backend supervisor, nil when no backend
// command is configured.
func (d *Daemon) Supervisor() *Supervisor { return d.supervisor }

// ShuttingDown reports whether shutdown has begun; control surfaces reject
// new work once it has.
func (d *Daemon) ShuttingDown() bool { return d.shuttingDown.Load() }

// Run registers the singleton, starts the configured folders, and blocks
// until a shutdown signal or context cancellation. It always releases the
// registry entry on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	rec, err := d.pids.Acquire(0, 0)
	if err != nil {
		return err
	}
	d.log.Info("daemon running", zap.Int("pid", rec.PID), zap.String("version", rec.Version))

	if d.supervisor != nil {
		// a supervising failure degrades to an unmanaged backend, it does
		// not stop the daemon
		if err := d.supervisor.Start(ctx); err != nil {
			d.log.Error("failed to start model backend", zap.Error(err))
		}
	}

	for _, fc := range d.cfg.Folders {
		if err := d.manager.StartFolder(ctx, fc); err != nil {
			// one bad folder must not take the daemon down
			d.log.Error("failed to start folder", zap.String("folder", fc.Path), zap.Error(err))
		}
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, shutdownSignals()...)
	defer signal.Stop(shutdownCh)

	reloadCh := make(chan os.Signal, 1)
	if sigs := reloadSignals(); len(sigs) > 0 {
		signal.Notify(reloadCh, sigs...)
		defer signal.Stop(reloadCh)
	}

	for {
		select {
		case <-ctx.Done():
			d.Shutdown()
			return ctx.Err()
		case sig := <-shutdownCh:
			d.log.Info("shutdown signal received", zap.String("signal", sig.String()))
			d.Shutdown()
			return nil
		case <-reloadCh:
			d.log.Info("reload signal received")
			if err := d.Reload(ctx); err != nil {
				d.log.Error("reload failed", zap.Error(err))
			}
		}
	}
}

// Shutdown runs the teardown sequence, bounded by the configured timeout:
// stop accepting work, stop all folders, unload models, stop the child
// process, release the registry entry. Idempotent.
func (d *Daemon) Shutdown() {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.manager.StopAll()
		d.models.Shutdown()
		if d.supervisor != nil {
			d.supervisor.Stop(timeout / 2)
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.log.Warn("shutdown timed out, abandoning remaining teardown",
			zap.Duration("timeout", timeout))
	}

	if err := d.pids.Release(); err != nil {
		d.log.Warn("failed to release registry entry", zap.Error(err))
	}
	d.log.Info("daemon stopped")
	logging.Sync()
}

// Reload re-reads the configuration file and reconciles the folder set:
// folders removed from the file are stopped, new ones started. Processing
// and registry settings only apply to newly started folders.
func (d *Daemon) Reload(ctx context.Context) error {
	if d.configPath == "" {
		return nil
	}
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}

	current := make(map[string]bool)
	for _, st := range d.manager.List() {
		current[st.Path] = true
	}
	desired := make(map[string]config.FolderConfig)
	for _, fc := range cfg.Folders {
		v := d.manager.Validate(fc.Path)
		desired[v.Path] = fc
	}

	for path := range current {
		if _, keep := desired[path]; !keep {
			if err := d.manager.StopFolder(path); err != nil {
				d.log.Warn("reload: stop failed", zap.String("folder", path), zap.Error(err))
			}
		}
	}
	for path, fc := range desired {
		if !current[path] {
			if err := d.manager.StartFolder(ctx, fc); err != nil {
				d.log.Error("reload: start failed", zap.String("folder", path), zap.Error(err))
			}
		}
	}

	d.cfg = cfg
	d.log.Info("configuration reloaded", zap.Int("folders", len(cfg.Folders)))
	return nil
}
