// gobfdd is a standalone BFD (RFC 5880) protocol daemon: it runs the
// per-session state machine, TX/detection scheduler, and peer
// authentication, and fans state-change events out to sibling processes
// (a VRRP tracker, an LVS health checker) over one-way pipes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ivoronin/gobfdd/internal/bfd"
	"github.com/ivoronin/gobfdd/internal/config"
	"github.com/ivoronin/gobfdd/internal/dispatch"
	bfdmetrics "github.com/ivoronin/gobfdd/internal/metrics"
	"github.com/ivoronin/gobfdd/internal/netio"
	appversion "github.com/ivoronin/gobfdd/internal/version"
)

// drainTimeout is how long to wait after setting every session to
// AdminDown before tearing down sockets, so the final packet (RFC 5880
// Section 6.8.16) actually reaches the wire.
const drainTimeout = 2 * time.Second

// shutdownTimeout bounds how long the metrics HTTP server gets to drain
// in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Exit codes returned to the supervising process.
const (
	exitClean     = 0
	exitFatal     = 1
	exitConfigErr = 2
)

func main() {
	os.Exit(run())
}

// daemonContext gathers what would otherwise be package-level globals:
// the pidfile path, namespace, and shared collaborators every other
// constructor in this file is threaded through.
type daemonContext struct {
	namespace string
	pidFile   string
	logger    *slog.Logger
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	configTest := flag.Bool("config-test", false, "validate configuration and exit")
	debug := flag.Bool("debug", false, "force debug-level logging")
	namespace := flag.String("namespace", "", "namespace label for this daemon instance (pidfile, logs)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return exitConfigErr
	}

	if *namespace != "" {
		cfg.Daemon.Namespace = *namespace
	}

	if *configTest {
		// Config-test mode: parse and validate, never open a socket or
		// write a pidfile.
		return exitClean
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	if *debug {
		logLevel.Set(slog.LevelDebug)
	}
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	dctx := &daemonContext{
		namespace: cfg.Daemon.Namespace,
		pidFile:   pidFilePath(cfg.Daemon),
		logger:    logger,
	}

	logger.Info("gobfdd starting",
		slog.String("version", appversion.Version),
		slog.String("namespace", dctx.namespace),
		slog.Int("instances", len(cfg.Instances)),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	applyPdeathsig(logger)

	if err := writePidFile(dctx.pidFile); err != nil {
		logger.Error("failed to write pidfile", slog.String("error", err.Error()))
		return exitFatal
	}
	defer removePidFile(dctx.pidFile, logger)

	reg := prometheus.NewRegistry()
	collector := bfdmetrics.NewCollector(reg)

	if err := runDaemon(cfg, *configPath, logLevel, collector, reg, logger); err != nil {
		logger.Error("gobfdd exited with error", slog.String("error", err.Error()))
		return exitFatal
	}

	logger.Info("gobfdd stopped")
	return exitClean
}

// runDaemon wires every shared component, brings up the BFD listeners and
// senders, applies the initial instance set, and runs the Dispatcher's
// event loop alongside the metrics HTTP server and the systemd watchdog
// ticker until a termination signal arrives.
func runDaemon(
	cfg *config.Config,
	configPath string,
	logLevel *slog.LevelVar,
	collector *bfdmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	// Listeners and senders are handed to the Dispatcher below, which takes
	// ownership of closing them (Dispatcher.Close closes every listener
	// and sender it was constructed with); they are only closed here on
	// paths that fail before that handoff happens.
	senders, err := createSenders(cfg.Instances, logger)
	if err != nil {
		return fmt.Errorf("create senders: %w", err)
	}

	listeners, err := createListeners(cfg.Instances, logger)
	if err != nil {
		closeSenders(senders, logger)
		return fmt.Errorf("create listeners: %w", err)
	}

	publisher := bfd.NewPublisher(openConsumerPipes(cfg.Pipes, logger), collector, logger)

	store := bfd.NewStore(collector)
	timers := bfd.NewTimerWheel()
	discrs := bfd.NewDiscriminatorAllocator()

	transmit := makeTransmitFunc(senders, logger)
	reloadEngine := bfd.NewReloadEngine(store, discrs, timers, publisher, transmit, logger)

	dctl, err := dispatch.New(store, timers, publisher, reloadEngine, listeners, senders,
		dispatch.ControlHandlers{
			Reload: func() ([]bfd.InstanceSpec, error) { return loadInstanceSpecs(configPath, logger, logLevel) },
			Dump:   func(sessions []*bfd.Session) { dumpSessions(sessions, logger) },
		},
		logger,
	)
	if err != nil {
		closeListeners(listeners, logger)
		closeSenders(senders, logger)
		return fmt.Errorf("create dispatcher: %w", err)
	}
	defer dctl.Close()

	initialSpecs, err := instanceSpecsFromConfig(cfg.Instances, logger)
	if err != nil {
		return fmt.Errorf("build initial instance set: %w", err)
	}
	result := reloadEngine.Apply(time.Now(), initialSpecs)
	logger.Info("initial instance set applied", slog.Int("created", result.Created))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	installSignalForwarder(dctl, logger)

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error { return serveMetrics(gCtx, metricsSrv, cfg.Metrics, logger) })
	g.Go(func() error { return runWatchdog(gCtx, logger) })

	notifyReady(logger)

	// dctl.Run owns the single-threaded event loop; it returns once ctx is
	// cancelled (SIGINT/SIGTERM) or a self-pipe terminate control event is
	// processed (SIGTERM via installSignalForwarder). Either way, its
	// return triggers the drain-then-exit shutdown sequence and cancels
	// gCtx so the watchdog ticker and metrics server unwind too.
	g.Go(func() error {
		runErr := dctl.Run(gCtx)
		if shutErr := gracefulShutdown(dctl, metricsSrv, logger); shutErr != nil {
			logger.Warn("graceful shutdown error", slog.String("error", shutErr.Error()))
		}
		stop()
		return runErr
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Signal handling — self-pipe forwarding
// -------------------------------------------------------------------------

// installSignalForwarder starts a goroutine that translates
// SIGHUP/SIGUSR1/SIGTERM into Dispatcher
// RequestReload/RequestDump/RequestTerminate calls, which themselves only
// write one byte to the self-pipe. SIGTERM is also registered with
// signal.NotifyContext in run, so it reaches the Dispatcher both through
// this self-pipe path and through context cancellation.
func installSignalForwarder(dctl *dispatch.Dispatcher, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGTERM)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, requesting reload")
				dctl.RequestReload()
			case syscall.SIGUSR1:
				logger.Info("received SIGUSR1, requesting session dump")
				dctl.RequestDump()
			case syscall.SIGTERM:
				logger.Info("received SIGTERM, requesting graceful stop")
				dctl.RequestTerminate()
				return
			}
		}
	}()
}

// dumpSessions logs every live session's identity and counters for the
// SIGUSR1 state dump.
func dumpSessions(sessions []*bfd.Session, logger *slog.Logger) {
	logger.Info("session dump", slog.Int("count", len(sessions)))
	for _, sess := range sessions {
		logger.Info("session",
			slog.Uint64("local_discr", uint64(sess.LocalDiscriminator())),
			slog.String("peer", sess.PeerAddr().String()),
			slog.String("local", sess.LocalAddr().String()),
			slog.String("state", sess.State().String()),
		)
	}
}

// -------------------------------------------------------------------------
// Graceful shutdown — drain sessions, stop HTTP server, remove pidfile
// -------------------------------------------------------------------------

// gracefulShutdown drains sessions, logs stopping, and unwinds the
// metrics server. Pidfile removal happens in run()'s deferred call after
// runDaemon returns.
func gracefulShutdown(dctl *dispatch.Dispatcher, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("draining sessions")
	dctl.DrainAllSessions(time.Now())
	time.Sleep(drainTimeout)

	logger.Info("stopping")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Metrics HTTP server
// -------------------------------------------------------------------------

// newMetricsServer builds the Prometheus metrics HTTP server. The handler is
// wrapped with h2c, so besides HTTP/1.1 the endpoint also accepts HTTP/2
// over plaintext (no TLS), e.g. from a scrape proxy fronting the daemon.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serveMetrics(ctx context.Context, srv *http.Server, cfg config.MetricsConfig, logger *slog.Logger) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", cfg.Addr, err)
	}

	logger.Info("metrics server listening", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics %s: %w", cfg.Addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Pidfile + PR_SET_PDEATHSIG
// -------------------------------------------------------------------------

// pidFilePath derives the pidfile path from TMPDIR + namespace, unless
// one is configured explicitly.
func pidFilePath(cfg config.DaemonConfig) string {
	if cfg.PidFile != "" {
		return cfg.PidFile
	}
	name := "gobfdd.pid"
	if cfg.Namespace != "" {
		name = "gobfdd-" + cfg.Namespace + ".pid"
	}
	return filepath.Join(os.TempDir(), name)
}

// writePidFile writes the current PID to path at startup.
func writePidFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil { //nolint:gosec // G306: pidfiles are conventionally world-readable
		return fmt.Errorf("write pidfile %s: %w", path, err)
	}
	return nil
}

// removePidFile removes the pidfile on shutdown.
func removePidFile(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove pidfile", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// applyPdeathsig asks the kernel to send SIGTERM to this process if its
// parent dies first, so an orphaned gobfdd doesn't keep running peer
// sessions a dead supervisor no longer knows about. Best-effort: failure
// is logged, never fatal.
func applyPdeathsig(logger *slog.Logger) {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(syscall.SIGTERM), 0, 0, 0); err != nil {
		logger.Warn("failed to set PR_SET_PDEATHSIG", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Config -> InstanceSpec translation
// -------------------------------------------------------------------------

var errUnknownAuthType = errors.New("unknown auth type string")

// loadConfig loads configuration from path, or returns defaults if path is
// empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

// loadInstanceSpecs re-reads configPath and translates its instances into
// InstanceSpecs for the Reload Engine, and refreshes the dynamic log level
// alongside session reconciliation.
func loadInstanceSpecs(configPath string, logger *slog.Logger, logLevel *slog.LevelVar) ([]bfd.InstanceSpec, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	return instanceSpecsFromConfig(cfg.Instances, logger)
}

// instanceSpecsFromConfig converts every configured instance into an
// InstanceSpec, constructing authenticators/key stores where auth is
// configured. Any instance that fails to translate rejects the whole set:
// a reload is applied in full or not at all, so the live session set never
// reflects a partially-accepted configuration.
func instanceSpecsFromConfig(instances []config.InstanceConfig, logger *slog.Logger) ([]bfd.InstanceSpec, error) {
	specs := make([]bfd.InstanceSpec, 0, len(instances))

	for _, ic := range instances {
		spec, err := instanceSpecFromConfig(ic)
		if err != nil {
			return nil, fmt.Errorf("instance %q: %w", ic.Name, err)
		}
		warnUncommonIntervals(logger, ic.Name, spec)
		specs = append(specs, spec)
	}

	return specs, nil
}

// warnUncommonIntervals logs when an instance's negotiated-side timers fall
// outside the RFC 7419 common interval set. Implementations are only
// encouraged, not required, to stick to the common set, so this never
// rejects configuration -- it just flags values that may not negotiate
// cleanly against hardware-offloaded BFD peers.
func warnUncommonIntervals(logger *slog.Logger, name string, spec bfd.InstanceSpec) {
	if spec.DesiredMinTx > 0 && !bfd.IsCommonInterval(spec.DesiredMinTx) {
		logger.Warn("min_tx is not an RFC 7419 common interval",
			slog.String("name", name),
			slog.Duration("min_tx", spec.DesiredMinTx),
			slog.Duration("nearest_common", bfd.NearestCommonInterval(spec.DesiredMinTx)),
		)
	}
	if spec.RequiredMinRx > 0 && !bfd.IsCommonInterval(spec.RequiredMinRx) {
		logger.Warn("min_rx is not an RFC 7419 common interval",
			slog.String("name", name),
			slog.Duration("min_rx", spec.RequiredMinRx),
			slog.Duration("nearest_common", bfd.NearestCommonInterval(spec.RequiredMinRx)),
		)
	}
}

func instanceSpecFromConfig(ic config.InstanceConfig) (bfd.InstanceSpec, error) {
	peerAddr, err := ic.ParsePeerAddr()
	if err != nil {
		return bfd.InstanceSpec{}, err
	}
	localAddr, err := ic.ParseLocalAddr()
	if err != nil {
		return bfd.InstanceSpec{}, err
	}

	ttl := ic.TTL
	if ttl == 0 {
		ttl = 255
	}

	mult := ic.Multiplier
	if mult == 0 {
		mult = 3
	}

	sessType := bfd.SessionTypeSingleHop
	if ic.MultiHop {
		sessType = bfd.SessionTypeMultiHop
	}

	spec := bfd.InstanceSpec{
		LocalAddr:               localAddr,
		PeerAddr:                peerAddr,
		Interface:               ic.Interface,
		TTL:                     ttl,
		Type:                    sessType,
		Role:                    bfd.RoleActive,
		DesiredMinTx:            ic.MinTx,
		RequiredMinRx:           ic.MinRx,
		IdleTx:                  ic.IdleTx,
		DetectMult:              mult,
		ControlPlaneIndependent: ic.ControlPlaneIndependentOrDefault(),
	}

	if ic.Auth != nil {
		authType, err := parseAuthType(ic.Auth.Type)
		if err != nil {
			return bfd.InstanceSpec{}, err
		}
		authenticator, err := bfd.NewAuthenticator(authType)
		if err != nil {
			return bfd.InstanceSpec{}, err
		}
		secret := []byte(ic.Auth.Key)

		spec.AuthType = authType
		spec.AuthKeyID = ic.Auth.KeyID
		spec.AuthKeySecret = secret
		spec.Auth = authenticator
		spec.AuthKeys = bfd.NewSingleKeyStore(bfd.AuthKey{
			ID:     ic.Auth.KeyID,
			Type:   authType,
			Secret: secret,
		})
	}

	return spec, nil
}

// parseAuthType maps a config.AuthConfig.Type string to its bfd.AuthType,
// matching config.ValidAuthTypes' five names exactly.
func parseAuthType(s string) (bfd.AuthType, error) {
	switch s {
	case "simple":
		return bfd.AuthTypeSimplePassword, nil
	case "keyed-md5":
		return bfd.AuthTypeKeyedMD5, nil
	case "meticulous-md5":
		return bfd.AuthTypeMeticulousKeyedMD5, nil
	case "keyed-sha1":
		return bfd.AuthTypeKeyedSHA1, nil
	case "meticulous-sha1":
		return bfd.AuthTypeMeticulousKeyedSHA1, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, errUnknownAuthType)
	}
}

// -------------------------------------------------------------------------
// Listeners + senders
// -------------------------------------------------------------------------

type transportKey struct {
	addr     netip.Addr
	multiHop bool
}

// createListeners creates one Listener per unique (local address, hop
// type) pair the configured instances use.
func createListeners(instances []config.InstanceConfig, logger *slog.Logger) ([]*netio.Listener, error) {
	seen := make(map[transportKey]struct{})
	var listeners []*netio.Listener

	for _, ic := range instances {
		localAddr, err := ic.ParseLocalAddr()
		if err != nil {
			continue
		}
		key := transportKey{addr: localAddr, multiHop: ic.MultiHop}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		lnCfg := netio.ListenerConfig{
			Addr:     localAddr,
			IfName:   ic.Interface,
			MultiHop: ic.MultiHop,
		}
		lnCfg.Port = netio.PortSingleHop
		if ic.MultiHop {
			lnCfg.Port = netio.PortMultiHop
		}

		ln, err := netio.NewListener(lnCfg)
		if err != nil {
			closeListeners(listeners, logger)
			return nil, fmt.Errorf("create listener %s (multi_hop=%v): %w", localAddr, ic.MultiHop, err)
		}

		logger.Info("BFD listener started",
			slog.String("addr", localAddr.String()),
			slog.Bool("multi_hop", ic.MultiHop),
			slog.String("interface", ic.Interface))

		listeners = append(listeners, ln)
	}

	return listeners, nil
}

func closeListeners(listeners []*netio.Listener, logger *slog.Logger) {
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			logger.Warn("failed to close listener", slog.String("error", err.Error()))
		}
	}
}

// createSenders allocates one ephemeral source port and UDPSender per
// unique (local address, hop type) pair, keyed the way dispatch.Dispatcher
// expects.
func createSenders(
	instances []config.InstanceConfig,
	logger *slog.Logger,
) (map[dispatch.SenderKey]*netio.UDPSender, error) {
	portAlloc := netio.NewSourcePortAllocator()
	senders := make(map[dispatch.SenderKey]*netio.UDPSender)

	for _, ic := range instances {
		localAddr, err := ic.ParseLocalAddr()
		if err != nil {
			continue
		}
		key := dispatch.SenderKey{LocalAddr: localAddr, MultiHop: ic.MultiHop}
		if _, ok := senders[key]; ok {
			continue
		}

		srcPort, err := portAlloc.Allocate()
		if err != nil {
			closeSenders(senders, logger)
			return nil, fmt.Errorf("allocate source port for %s: %w", localAddr, err)
		}

		sender, err := netio.NewUDPSender(localAddr, srcPort, ic.MultiHop, logger)
		if err != nil {
			portAlloc.Release(srcPort)
			closeSenders(senders, logger)
			return nil, fmt.Errorf("create sender %s:%d: %w", localAddr, srcPort, err)
		}

		senders[key] = sender
	}

	return senders, nil
}

func closeSenders(senders map[dispatch.SenderKey]*netio.UDPSender, logger *slog.Logger) {
	for _, s := range senders {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close sender", slog.String("error", err.Error()))
		}
	}
}

// makeTransmitFunc builds the Reload Engine's TransmitFunc from the same
// senders map the Dispatcher uses, mirroring
// dispatch.Dispatcher.ReloadTransmitFunc's single-hop-first fallback (the
// Reload Engine only emits immediate AdminDown packets on removal, which
// never need to distinguish hop type beyond "does a sender exist").
func makeTransmitFunc(senders map[dispatch.SenderKey]*netio.UDPSender, logger *slog.Logger) bfd.TransmitFunc {
	return func(localAddr, peerAddr netip.Addr, wire []byte) {
		sender, ok := senders[dispatch.SenderKey{LocalAddr: localAddr, MultiHop: false}]
		if !ok {
			sender, ok = senders[dispatch.SenderKey{LocalAddr: localAddr, MultiHop: true}]
		}
		if !ok {
			logger.Warn("no sender registered for local address", slog.String("local", localAddr.String()))
			return
		}
		if err := sender.SendPacket(context.Background(), wire, peerAddr); err != nil {
			logger.Warn("reload transmit failed",
				slog.String("local", localAddr.String()),
				slog.String("peer", peerAddr.String()),
				slog.String("error", err.Error()))
		}
	}
}

// -------------------------------------------------------------------------
// Event-pipe consumers
// -------------------------------------------------------------------------

// openConsumerPipes opens the write end of each configured named pipe
// nonblocking, skipping any consumer whose path is empty or that fails to
// open (e.g. no reader attached yet). A failure is logged, not fatal; the
// skipped consumer is not handed to the Publisher and receives no events.
func openConsumerPipes(cfg config.PipesConfig, logger *slog.Logger) map[string]int {
	consumers := make(map[string]int)

	for name, path := range map[string]string{"vrrp": cfg.VRRP, "checker": cfg.Checker} {
		if path == "" {
			continue
		}
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			logger.Warn("failed to open consumer pipe, disabling", slog.String("consumer", name),
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		consumers[name] = fd
	}

	return consumers
}

// -------------------------------------------------------------------------
// Logger setup
// -------------------------------------------------------------------------

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
