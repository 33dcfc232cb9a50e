// Package engine is the single-threaded, event-driven core: it owns the
// TUN device, the listening socket, the live peer connections, and the
// readiness notifier they're all multiplexed through. Everything here runs
// on one goroutine for the engine's lifetime; the only values touched from
// outside it are the atomic fields in Controls and the atomic counters in
// Stats.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"l3meshd/internal/endpoint"
	"l3meshd/internal/netaddr"
	"l3meshd/internal/notifier"
	"l3meshd/internal/peertable"
	"l3meshd/internal/reloader"
	"l3meshd/internal/routesync"
	"l3meshd/internal/tunio"
)

// defaultRetryInterval is how often the engine re-attempts connecting to
// passive peers sitting on the disconnected list.
const defaultRetryInterval = 5 * time.Second

// Config carries everything Engine.New needs to build a running engine.
// IPv6 mesh membership is explicitly unsupported (see the resolved Open
// Question on IPv6 dispatch): New rejects a configured SelfV6.
type Config struct {
	// TunFD is an already-open, already-configured TUN file descriptor.
	// The engine only reads and writes whole L3 packets on it.
	TunFD int
	// PeerFilePath is the peer roster file the reloader re-reads.
	PeerFilePath string
	// SelfV4 is this node's mesh address. Required.
	SelfV4 *netaddr.Addr
	// SelfV6, if non-nil and non-zero, causes New to fail: IPv6 mesh
	// membership is not implemented.
	SelfV6 *netaddr.Addr
	// ListenPort is the TCP port peers dial to reach this node.
	ListenPort int
	// RouteSink is kept in sync with the live peer set. Defaults to a
	// no-op sink if nil.
	RouteSink routesync.Sink
	// Logger receives all engine log output. Defaults to slog.Default().
	Logger *slog.Logger
	// Resolver resolves peer-file hostnames. Defaults to net.DefaultResolver.
	Resolver reloader.Resolver
	// Controls lets the caller pre-build a Controls to wire signal
	// handlers against before calling Run. Defaults to a fresh Controls.
	Controls *Controls
	// RetryInterval is how often disconnected outbound peers are
	// re-dialed. Defaults to 5s.
	RetryInterval time.Duration
}

// Engine is a constructed, not-yet-running instance: the TUN device,
// listener, and notifier are already set up; Run drives the event loop.
type Engine struct {
	cfg Config

	notifier  *notifier.Notifier
	endpoints *endpoint.List
	peers     *peertable.Table
	fdIndex   map[int]*endpoint.Endpoint

	tunDevice *tunio.Device
	tun       *endpoint.Endpoint

	wakeR, wakeW int

	selfV4, selfV6 netaddr.Addr
	resolver       reloader.Resolver
	controls       *Controls
	logger         *slog.Logger
	retryInterval  time.Duration

	stats Stats
}

// New builds an Engine: wraps the TUN fd, opens the notifier, binds the
// listener, and registers both. It does not start the event loop.
func New(cfg Config) (*Engine, error) {
	if cfg.SelfV6 != nil && !cfg.SelfV6.IsZero() {
		return nil, fmt.Errorf("engine: IPv6 mesh membership is not implemented; leave SelfV6 unset")
	}
	if cfg.SelfV4 == nil || cfg.SelfV4.IsZero() {
		return nil, fmt.Errorf("engine: SelfV4 is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	controls := cfg.Controls
	if controls == nil {
		controls = NewControls()
	}
	sink := cfg.RouteSink
	if sink == nil {
		sink = routesync.Noop{}
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	n, err := notifier.New()
	if err != nil {
		return nil, fmt.Errorf("engine: notifier: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		notifier:      n,
		endpoints:     endpoint.NewList(n, sink, logger),
		peers:         peertable.New(),
		fdIndex:       make(map[int]*endpoint.Endpoint),
		selfV4:        *cfg.SelfV4,
		resolver:      resolver,
		controls:      controls,
		logger:        logger,
		retryInterval: retryInterval,
	}

	if err := e.setup(cfg); err != nil {
		n.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) setup(cfg Config) error {
	wakeR, wakeW, err := newWakePipe()
	if err != nil {
		return fmt.Errorf("engine: wake pipe: %w", err)
	}
	if err := e.notifier.Add(wakeR); err != nil {
		unix.Close(wakeR)
		unix.Close(wakeW)
		return fmt.Errorf("engine: register wake pipe: %w", err)
	}
	e.wakeR, e.wakeW = wakeR, wakeW
	e.controls.setWaker(func() { e.signalWake() })

	tunDev, err := tunio.FromFD(cfg.TunFD)
	if err != nil {
		return fmt.Errorf("engine: tun device: %w", err)
	}
	e.tunDevice = tunDev
	tunEp, err := e.addTun(tunDev.FD())
	if err != nil {
		return fmt.Errorf("engine: add tun endpoint: %w", err)
	}
	e.tun = tunEp

	lfd, err := listenTCP4(cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("engine: listen on port %d: %w", cfg.ListenPort, err)
	}
	if _, err := e.addListener(lfd); err != nil {
		unix.Close(lfd)
		return fmt.Errorf("engine: add listener endpoint: %w", err)
	}

	return nil
}

// Controls returns the Controls instance this engine polls, for wiring
// signal handlers or a test driver against.
func (e *Engine) Controls() *Controls { return e.controls }

// Stats returns a snapshot of the four traffic counter tuples. Safe to call
// from any goroutine while Run is executing.
func (e *Engine) Stats() StatsSnapshot { return e.stats.snapshot() }

// Run drives the event loop until ctx is cancelled, RequestStop is called,
// or an unrecoverable notifier error occurs. It performs an initial peer
// file load before waiting on the first event. The calling goroutine is
// pinned to its OS thread for the duration: nothing about epoll requires
// it, but every fd the loop owns was registered from this thread, and
// pinning keeps that true even if something upstream starts being clever
// about goroutine scheduling.
func (e *Engine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer e.notifier.Close()
	defer unix.Close(e.wakeR)
	defer unix.Close(e.wakeW)

	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-stopCtx.Done()
		e.controls.RequestStop()
	}()

	retryTicker := time.NewTicker(e.retryInterval)
	defer retryTicker.Stop()
	go func() {
		for {
			select {
			case <-stopCtx.Done():
				return
			case <-retryTicker.C:
				e.controls.requestRetry()
			}
		}
	}()

	e.reload()

	var events []notifier.Event
	for {
		var err error
		events, err = e.notifier.Wait(events)
		if err != nil {
			return fmt.Errorf("engine: notifier wait: %w", err)
		}
		for _, ev := range events {
			e.handleEvent(ev)
		}
		if e.controls.takeReload() {
			e.reload()
		}
		if e.controls.takeRetry() {
			e.retryDisconnected()
		}
		if e.controls.shouldStop() {
			return nil
		}
	}
}

// Run is a convenience wrapper matching the plain functional entry point:
// build an Engine from cfg and run it to completion.
func Run(ctx context.Context, cfg Config) error {
	e, err := New(cfg)
	if err != nil {
		return err
	}
	return e.Run(ctx)
}

func (e *Engine) addListener(fd int) (*endpoint.Endpoint, error) {
	ep, err := e.endpoints.AddListener(fd)
	if err != nil {
		return nil, err
	}
	e.fdIndex[fd] = ep
	return ep, nil
}

func (e *Engine) addTun(fd int) (*endpoint.Endpoint, error) {
	ep, err := e.endpoints.AddTun(fd)
	if err != nil {
		return nil, err
	}
	e.fdIndex[fd] = ep
	return ep, nil
}

func (e *Engine) addPeerConn(fd int, addr netaddr.Addr, outbound bool) (*endpoint.Endpoint, error) {
	ep, err := e.endpoints.AddPeerConn(fd, addr, outbound)
	if err != nil {
		return nil, err
	}
	e.fdIndex[fd] = ep
	return ep, nil
}

func (e *Engine) destroyEndpoint(ep *endpoint.Endpoint) {
	delete(e.fdIndex, ep.FD)
	e.endpoints.Destroy(ep)
}

func (e *Engine) signalWake() {
	_, err := unix.Write(e.wakeW, []byte{1})
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		e.logger.Warn("wake pipe write failed", "err", err)
	}
}

func newWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// listenTCP4 binds an IPv4 TCP listener: SO_REUSEADDR, backlog 1024,
// non-blocking. IPv6 mesh membership is rejected at New, so only the v4
// family is bound.
func listenTCP4(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
