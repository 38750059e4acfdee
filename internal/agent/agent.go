// Package agent wires the capture controller, file writer, metadata
// manager and upload synchronizer together and runs them until
// shutdown.
package agent

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BoxCap/BoxCap-Go-Agent/config"
	"BoxCap/BoxCap-Go-Agent/internal/capture"
	"BoxCap/BoxCap-Go-Agent/internal/logger"
	"BoxCap/BoxCap-Go-Agent/internal/metadata"
	"BoxCap/BoxCap-Go-Agent/internal/pcapfile"
	"BoxCap/BoxCap-Go-Agent/internal/session"
	"BoxCap/BoxCap-Go-Agent/internal/store"
	"BoxCap/BoxCap-Go-Agent/internal/upload"
)

// MACResolver fills in missing device MACs from their IP addresses.
// Resolution (ARP, vendor lookup) is an external concern.
type MACResolver interface {
	Resolve(ip string) (mac string, vendor string, err error)
}

// CaptureRunner abstracts the capture loop for tests.
type CaptureRunner interface {
	Run(ctx context.Context) error
	Stop()
}

// Syncer abstracts the upload synchronizer for tests.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Agent owns one capture-and-upload deployment.
type Agent struct {
	cfg        *config.Config
	state      *store.Store
	controller CaptureRunner
	syncer     Syncer
	meta       *metadata.Manager

	syncTrigger chan struct{}
	log         *logger.Logger
}

// metaProvider lets the synchronizer manufacture a descriptor for the
// current device list.
type metaProvider struct {
	mgr     *metadata.Manager
	devices []config.Device
}

func (p metaProvider) Ensure() (string, error) {
	return p.mgr.Ensure(p.devices)
}

// New builds an agent from configuration. resolver may be nil when
// every enabled device already carries a MAC.
func New(cfg *config.Config, state *store.Store, resolver MACResolver) (*Agent, error) {
	log := logger.GetLogger()

	devices := cfg.EnabledDevices()
	if resolver != nil {
		for i := range cfg.Devices {
			d := &cfg.Devices[i]
			if !d.Enabled || d.MAC != "" {
				continue
			}
			mac, vendor, err := resolver.Resolve(d.IP)
			if err != nil {
				log.Warn("Could not resolve MAC for %s, device excluded from capture: %v", d.IP, err)
				continue
			}
			d.MAC = mac
			log.Info("Resolved %s to %s (%s)", d.IP, mac, vendor)
		}
		devices = cfg.EnabledDevices()
	}

	meta := metadata.NewManager(cfg.Capture.WorkingDir)
	writer := pcapfile.NewWriter(cfg.Capture.WorkingDir, cfg.Capture.SnapLen)
	auth := session.NewClient(cfg.Router.Address, cfg.Router.Username, cfg.Router.Password)

	var syncer Syncer
	if cfg.Upload.Endpoint != "" {
		syncer = upload.NewSynchronizer(upload.Config{
			Endpoint:  cfg.Upload.Endpoint,
			Email:     cfg.Upload.Email,
			PublicKey: cfg.Upload.PublicKey,
			UUID:      cfg.Upload.UUID,
			Dir:       cfg.Capture.WorkingDir,
		}, metaProvider{mgr: meta, devices: devices})
	}

	controller := capture.NewController(capture.Config{
		RouterAddress: cfg.Router.Address,
		Interface:     cfg.Router.Interface,
		MACs:          cfg.UniqueMACs(),
		SnapLen:       cfg.Capture.SnapLen,
		MaxFrameLen:   cfg.Capture.MaxFrameLen,
		FlushBytes:    int64(cfg.Capture.FlushSizeMB) << 20,
		FlushInterval: time.Duration(cfg.Capture.FlushIntervalMinutes) * time.Minute,
		Backoff:       time.Duration(cfg.Capture.BackoffSeconds) * time.Second,
		TokenTTL:      time.Duration(cfg.Router.TokenTTLMinutes) * time.Minute,
	}, auth, state, state, writer)

	a := &Agent{
		cfg:         cfg,
		state:       state,
		controller:  controller,
		syncer:      syncer,
		meta:        meta,
		syncTrigger: make(chan struct{}, 1),
		log:         log,
	}
	controller.OnFlush = a.TriggerSync
	controller.OnProgress = func(records, pending int64) {
		log.Debug("Capture progress: %d records this session, %d bytes pending flush", records, pending)
	}
	return a, nil
}

// TriggerSync requests an upload run. Non-blocking; a request while a
// trigger is already queued is folded into it.
func (a *Agent) TriggerSync() {
	select {
	case a.syncTrigger <- struct{}{}:
	default:
	}
}

// Run executes the agent until ctx is canceled or a termination signal
// arrives. If disableSignals is set, signal handling is skipped (for
// tests).
func (a *Agent) Run(ctx context.Context, disableSignals ...bool) error {
	if v, ok, _ := a.state.Get(store.FlagEnabled); ok && v != "1" {
		a.log.Warn("Agent is disabled (remote revocation); refusing to start")
		return nil
	}

	if err := os.MkdirAll(a.cfg.Capture.WorkingDir, 0755); err != nil {
		return err
	}
	if _, err := a.meta.Ensure(a.cfg.EnabledDevices()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	doSignals := len(disableSignals) == 0 || !disableSignals[0]
	if doSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				a.log.Info("Received signal %v, shutting down", sig)
				a.controller.Stop()
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	captureDone := make(chan error, 1)
	go func() { captureDone <- a.controller.Run(ctx) }()

	interval := time.Duration(a.cfg.Upload.SyncIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var captureErr error
	revoked := false
loop:
	for {
		select {
		case <-ctx.Done():
			a.controller.Stop()
			captureErr = <-captureDone
			break loop
		case captureErr = <-captureDone:
			break loop
		case <-ticker.C:
			if a.runSync(ctx) {
				revoked = true
				captureErr = <-captureDone
				break loop
			}
		case <-a.syncTrigger:
			if a.runSync(ctx) {
				revoked = true
				captureErr = <-captureDone
				break loop
			}
		}
	}

	// Upload whatever the final flush produced. The run context may
	// already be canceled, so the last sync gets its own deadline.
	if !revoked {
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer finalCancel()
		a.runSync(finalCtx)
	}

	a.log.Info("Shutdown complete")
	return captureErr
}

// runSync performs one upload run. The returned bool reports a remote
// revocation, which ends the agent.
func (a *Agent) runSync(ctx context.Context) bool {
	if a.syncer == nil {
		return false
	}
	err := a.syncer.Sync(ctx)
	if err == nil {
		return false
	}
	if errors.Is(err, upload.ErrRemoteTerminated) {
		a.log.Warn("Collection endpoint revoked this installation; disabling agent")
		if serr := a.state.SetFlag(store.FlagEnabled, false); serr != nil {
			a.log.Error("Could not persist disabled flag: %v", serr)
		}
		a.controller.Stop()
		return true
	}
	a.log.Warn("Sync run failed: %v", err)
	return false
}
