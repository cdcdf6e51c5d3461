// Package server is the composition root. It owns the core goroutine
// that serializes all rule, user, and client work, wires the
// subsystems together, and manages transport lifecycle.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/hearthd/hearthd/internal/audit"
	"github.com/hearthd/hearthd/internal/buildinfo"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/devices"
	"github.com/hearthd/hearthd/internal/discovery"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/jsonrpc"
	"github.com/hearthd/hearthd/internal/rules"
	"github.com/hearthd/hearthd/internal/transport"
	"github.com/hearthd/hearthd/internal/users"
)

// queueSize bounds the core work queue. Overflow spills to a goroutine
// instead of blocking, so the core goroutine can always submit to
// itself.
const queueSize = 1024

// timeTick is the cadence of calendar and time-event rule evaluation.
const timeTick = time.Second

// transportStopTimeout bounds how long one listener may take to drain
// its connections during reconfiguration or shutdown.
const transportStopTimeout = 5 * time.Second

// Daemon wires every subsystem together and runs the core loop. All
// mutable state behind it (rules, users, client table, configuration)
// is touched only from the core goroutine; transports and device
// callbacks cross in via submit.
type Daemon struct {
	log *slog.Logger
	cfg *config.Config

	bus     *events.Bus
	usersDB *sql.DB
	auditDB *sql.DB
	users   *users.Manager
	virtual *devices.Virtual
	engine  *rules.Engine
	trail   *audit.Trail
	rpc     *jsonrpc.Server
	adv     *discovery.Advertiser
	cloud   *transport.CloudChannel

	queue chan func()

	mu         sync.Mutex
	transports map[string]transport.Transport
}

// New constructs the daemon from a loaded configuration: opens the
// databases and the rule store, builds the device registry, the rule
// engine, the user manager, and the RPC dispatcher with all four
// namespaces registered. Nothing is listening until Run.
func New(log *slog.Logger, cfg *config.Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	d := &Daemon{
		log:        log,
		cfg:        cfg,
		bus:        events.New(),
		queue:      make(chan func(), queueSize),
		transports: make(map[string]transport.Transport),
	}

	var err error
	d.usersDB, err = openDatabase(filepath.Join(cfg.DataDir, "users.db"))
	if err != nil {
		return nil, fmt.Errorf("open user database: %w", err)
	}
	userStore, err := users.NewStore(d.usersDB)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("user store: %w", err)
	}
	d.users = users.NewManager(log, userStore, d.bus)

	d.auditDB, err = openDatabase(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	auditStore, err := audit.NewStore(d.auditDB)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("audit store: %w", err)
	}
	d.trail = audit.NewTrail(log, auditStore, d.bus, cfg.Audit.MaxEntries)

	d.virtual, err = devices.NewVirtual(cfg.Devices, d.bus)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("device registry: %w", err)
	}

	ruleStore, err := rules.OpenStore(filepath.Join(cfg.DataDir, "rules.conf"))
	if err != nil {
		d.Close()
		return nil, err
	}
	loc, err := loadTimeZone(cfg.Server.TimeZone)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.engine = rules.NewEngine(log, ruleStore, d.virtual, d.virtual, d.bus, loc)

	if cfg.Discovery.Enabled {
		d.adv = discovery.New(log, buildinfo.Version)
	}

	d.rpc = jsonrpc.NewServer(log, cfg, d.users, d.bus, d.submit)
	var cloud jsonrpc.Cloud
	if cfg.Cloud.Enabled {
		d.cloud = transport.NewCloudChannel(log, cfg.Cloud, cfg.Server.UUID,
			d.rpc, d.bus, d.users.PushButtonPressed)
		cloud = d.cloud
	}
	d.rpc.RegisterHandler(jsonrpc.NewJSONRPCHandler(d.rpc, cloud))
	d.rpc.RegisterHandler(jsonrpc.NewRulesHandler(d.engine))
	d.rpc.RegisterHandler(jsonrpc.NewDevicesHandler(d.virtual))
	d.rpc.RegisterHandler(jsonrpc.NewConfigurationHandler(d.rpc, d))
	return d, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// the transports and the core loop down in order. Returns nil on a
// clean stop.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Core loop ---
	// The single goroutine all mutation runs on. Everything below only
	// feeds it.
	var core sync.WaitGroup
	core.Add(1)
	go func() {
		defer core.Done()
		d.coreLoop(runCtx)
	}()

	// --- Device event flow ---
	// Device events cross onto the core loop, where one event evaluates
	// every rule before any action dispatches.
	d.virtual.SetEventHandler(func(ev devices.Event) {
		d.submit(func() {
			triggered := d.engine.EvaluateEvent(ev)
			d.engine.ExecuteTriggered(triggered, &ev)
		})
	})

	// --- Notification fanout and audit trail ---
	go d.rpc.Run(runCtx)
	go d.trail.Run(runCtx)

	// --- Time rules ---
	// A steady tick drives calendar and time-event evaluation,
	// serialized with event evaluation on the core loop.
	go d.timeLoop(runCtx)

	// --- Push-button signal ---
	// SIGUSR1 is the local out-of-band button press; the cloud press
	// topic is the remote one.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-sig:
				d.log.Info("push-button press received", "source", "signal")
				d.users.PushButtonPressed()
			}
		}
	}()

	// --- mDNS advertisement ---
	if d.adv != nil {
		if err := d.adv.Advertise(d.cfg); err != nil {
			d.log.Warn("mdns advertisement incomplete", "error", err)
		}
		defer d.adv.Stop()
	}

	// --- Transports ---
	if err := d.startTransports(); err != nil {
		d.stopAllTransports()
		return err
	}

	d.log.Info("hearthd running",
		"version", buildinfo.Version,
		"uuid", d.cfg.Server.UUID,
		"tcp", len(d.cfg.TCPServers),
		"websocket", len(d.cfg.WSServers),
		"cloud", d.cfg.Cloud.Enabled,
	)

	<-ctx.Done()
	d.log.Info("shutting down")
	d.stopAllTransports()
	cancel()
	core.Wait()
	d.log.Info("hearthd stopped")
	return nil
}

// Close releases the databases. Call after Run returns.
func (d *Daemon) Close() error {
	var firstErr error
	if d.usersDB != nil {
		if err := d.usersDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.auditDB != nil {
		if err := d.auditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// submit enqueues one closure for the core loop. The core goroutine may
// submit while draining, so a full queue hands off instead of blocking.
func (d *Daemon) submit(fn func()) {
	select {
	case d.queue <- fn:
	default:
		d.log.Warn("core queue full, spilling")
		go func() { d.queue <- fn }()
	}
}

func (d *Daemon) coreLoop(ctx context.Context) {
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-ctx.Done():
			// Drain what is already queued so persistence enqueued by
			// handlers completes before the process exits.
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (d *Daemon) timeLoop(ctx context.Context) {
	ticker := time.NewTicker(timeTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.submit(func() {
				triggered := d.engine.EvaluateTime(now)
				d.engine.ExecuteTriggered(triggered, nil)
			})
		}
	}
}

// startTransports brings up every configured listener plus the cloud
// channel. Any bind failure is fatal; a half-listening server is worse
// than a loud crash at boot.
func (d *Daemon) startTransports() error {
	for _, si := range d.cfg.TCPServers {
		if err := d.startTransport(transport.NewTCPServer(d.log, si, d.rpc)); err != nil {
			return err
		}
	}
	for _, si := range d.cfg.WSServers {
		if err := d.startTransport(transport.NewWebSocketServer(d.log, si, d.rpc)); err != nil {
			return err
		}
	}
	if d.cloud != nil {
		if err := d.startTransport(d.cloud); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) startTransport(tr transport.Transport) error {
	if err := tr.Start(); err != nil {
		return fmt.Errorf("start %s: %w", tr.Name(), err)
	}
	d.mu.Lock()
	d.transports[tr.Name()] = tr
	d.mu.Unlock()
	return nil
}

func (d *Daemon) stopTransport(name string) {
	d.mu.Lock()
	tr, ok := d.transports[name]
	delete(d.transports, name)
	d.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transportStopTimeout)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		d.log.Warn("transport stop failed", "transport", name, "error", err)
	}
}

func (d *Daemon) stopAllTransports() {
	d.mu.Lock()
	names := make([]string, 0, len(d.transports))
	for name := range d.transports {
		names = append(names, name)
	}
	d.mu.Unlock()
	for _, name := range names {
		d.stopTransport(name)
	}
}

// openDatabase opens one SQLite file in WAL mode with foreign keys on.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite happy; all access is serialized on the
	// core loop anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

func loadTimeZone(zone string) (*time.Location, error) {
	if zone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", zone, err)
	}
	return loc, nil
}
