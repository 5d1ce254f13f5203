// Package server drives the reactor described in spec.md §4.1/§4.2: it
// owns the passive SMTP and control-plane sockets, the client connection
// table, and the single-threaded readiness loop that ties reactor,
// netutil, smtp, transform, and control together.
//
// Grounded on the teacher's internal/server.Server (goroutine-per-listener
// shape, Config/New/Run/Shutdown naming) but reworked from a
// goroutine-per-listener model to the single-threaded reactor loop the
// specification requires.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/control"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/netutil"
	"github.com/infodancer/smtpd/internal/reactor"
	"github.com/infodancer/smtpd/internal/smtp"
	"github.com/infodancer/smtpd/internal/transform"
)

// waitTimeout bounds how long a single reactor.Wait call blocks; it also
// sets the cadence of the idle-connection housekeeping sweep (spec.md §5:
// "the reactor supports a wait-timeout used for periodic housekeeping
// only").
const waitTimeout = time.Second

// Server coordinates the reactor, the passive sockets, and the live
// client connection table.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *metrics.Registry
	limiter    *ConnectionLimiter
	dispatcher *transform.Dispatcher
	verify     *smtp.VerifyFile
	codec      *control.Codec

	rx      *reactor.Reactor
	clients map[int]*client

	smtpV4   int
	smtpV6   int
	hasV6    bool
	controlF int
}

// client is the reactor-side bookkeeping wrapped around a *smtp.Connection:
// whether it is draining a final reply before close, and when it was last
// active (for the idle-timeout sweep).
type client struct {
	conn       *smtp.Connection
	closing    bool
	lastActive time.Time
}

// Config holds what's needed to build a Server.
type Config struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Registry   *metrics.Registry
	Dispatcher *transform.Dispatcher // nil when no transform command is configured
	Verify     *smtp.VerifyFile      // nil when no VRFY file is configured
}

// New creates a Server and its reactor, but does not yet bind any socket.
func New(sc Config) (*Server, error) {
	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(sc.Cfg.LogLevel)
	}
	registry := sc.Registry
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	s := &Server{
		cfg:        sc.Cfg,
		logger:     logger,
		registry:   registry,
		limiter:    NewConnectionLimiter(sc.Cfg.MaxConnections),
		dispatcher: sc.Dispatcher,
		verify:     sc.Verify,
		codec:      &control.Codec{Registry: registry},
		clients:    make(map[int]*client),
	}

	rx, err := reactor.New(s.onReactorCleanup)
	if err != nil {
		return nil, fmt.Errorf("creating reactor: %w", err)
	}
	s.rx = rx
	return s, nil
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Registry returns the server's metrics registry.
func (s *Server) Registry() *metrics.Registry { return s.registry }

// onReactorCleanup is invoked by the reactor when a client fd's last
// interest bit is cleared with freeData=true; it discards the bookkeeping
// entry. The socket itself is closed by the caller that requested
// deregistration (closeClient), not here.
func (s *Server) onReactorCleanup(tag reactor.TypeTag, data any) {
	if tag != reactor.TagClient {
		return
	}
	if c, ok := data.(*client); ok {
		delete(s.clients, c.conn.FD)
	}
}

// bind creates and registers the passive SMTP sockets (v4 and, best
// effort, v6) and the control-plane UDP socket.
func (s *Server) bind() error {
	v4, err := netutil.ListenTCP(netutil.FamilyV4, s.cfg.SMTPPort)
	if err != nil {
		return fmt.Errorf("binding smtp v4 socket: %w", err)
	}
	s.smtpV4 = v4
	if err := s.rx.Register(v4, reactor.Read, reactor.TagPassiveV4, nil); err != nil {
		return fmt.Errorf("registering smtp v4 socket: %w", err)
	}

	if v6, err := netutil.ListenTCP(netutil.FamilyV6, s.cfg.SMTPPort); err == nil {
		s.smtpV6 = v6
		s.hasV6 = true
		if err := s.rx.Register(v6, reactor.Read, reactor.TagPassiveV6, nil); err != nil {
			return fmt.Errorf("registering smtp v6 socket: %w", err)
		}
	} else {
		s.logger.Warn("ipv6 smtp socket unavailable, continuing v4-only", "error", err)
	}

	ctrl, err := netutil.ListenUDP(s.cfg.ControlPort)
	if err != nil {
		return fmt.Errorf("binding control socket: %w", err)
	}
	s.controlF = ctrl
	if err := s.rx.Register(ctrl, reactor.Read, reactor.TagControl, nil); err != nil {
		return fmt.Errorf("registering control socket: %w", err)
	}

	return nil
}

// Run binds the passive sockets and drives the reactor loop until ctx is
// cancelled (SIGINT), at which point it performs the graceful shutdown
// described in spec.md §5.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bind(); err != nil {
		return err
	}

	s.logger.Info("smtpd listening",
		slog.String("domain", s.cfg.Domain),
		slog.Int("smtp_port", s.cfg.SMTPPort),
		slog.Int("control_port", s.cfg.ControlPort),
		slog.Bool("ipv6", s.hasV6),
	)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		default:
		}

		if err := s.rx.Wait(waitTimeout); err != nil {
			return fmt.Errorf("reactor wait: %w", err)
		}

		for rdy, ok := s.rx.NextRead(); ok; rdy, ok = s.rx.NextRead() {
			s.handleReadable(rdy)
		}
		for rdy, ok := s.rx.NextWrite(); ok; rdy, ok = s.rx.NextWrite() {
			s.handleWritable(rdy)
		}

		s.sweepIdle()
	}
}

func (s *Server) handleReadable(rdy reactor.Ready) {
	switch rdy.Tag {
	case reactor.TagPassiveV4, reactor.TagPassiveV6:
		s.acceptAll(rdy.FD)
	case reactor.TagControl:
		s.handleControl()
	case reactor.TagClient:
		c := rdy.Data.(*client)
		c.lastActive = time.Now()
		if c.conn.OnReadable() == smtp.CloseConnection {
			s.beginClose(c)
			return
		}
		s.syncWriteInterest(c)
	}
}

func (s *Server) handleWritable(rdy reactor.Ready) {
	if rdy.Tag != reactor.TagClient {
		return
	}
	c := rdy.Data.(*client)
	c.lastActive = time.Now()
	if c.conn.OnWritable() == smtp.CloseConnection {
		s.closeClient(c)
		return
	}
	if c.closing && !c.conn.HasPendingWrite() {
		s.closeClient(c)
		return
	}
	s.syncWriteInterest(c)
}

// acceptAll drains every pending connection on a passive socket
// (spec.md §4.2: "accept all pending connections (non-blocking loop)").
func (s *Server) acceptAll(passiveFD int) {
	for {
		fd, peer, err := netutil.AcceptNonblocking(passiveFD)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.logger.Error("accept failed", "error", err)
			return
		}

		if !s.limiter.TryAcquire() {
			// Out-of-resources: reject this one connection and let the
			// passive socket remain registered for the next readiness
			// cycle (spec.md §7).
			unix.Close(fd)
			continue
		}

		s.acceptOne(fd, peer)
	}
}

func (s *Server) acceptOne(fd int, peer netip.AddrPort) {
	deps := smtp.Dependencies{
		ServerDomain: s.cfg.Domain,
		MaildropRoot: s.cfg.Maildir,
		TmpDir:       s.cfg.TmpDir,
		Dispatcher:   s.dispatcher,
		Verify:       s.verify,
		Registry:     s.registry,
		Logger:       s.logger,
	}
	conn := smtp.NewConnection(fd, peer, deps)
	c := &client{conn: conn, lastActive: time.Now()}
	s.clients[fd] = c
	s.registry.ConnectionAccepted()

	// The greeting banner is already queued; register for WRITE first
	// (spec.md §4.2), adding READ interest immediately after since the
	// peer may pipeline its first command before the greeting drains.
	if err := s.rx.Register(fd, reactor.Write, reactor.TagClient, c); err != nil {
		s.logger.Error("registering client write interest failed", "error", err)
		conn.Close()
		delete(s.clients, fd)
		s.limiter.Release()
		s.registry.ConnectionClosed()
		return
	}
	if err := s.rx.Register(fd, reactor.Read, reactor.TagClient, c); err != nil {
		s.logger.Error("registering client read interest failed", "error", err)
		s.closeClient(c)
	}
}

// syncWriteInterest adds or removes WRITE interest for c's fd to match
// whether the outbound buffer currently holds data (spec.md §4.2).
func (s *Server) syncWriteInterest(c *client) {
	if c.conn.HasPendingWrite() {
		_ = s.rx.Register(c.conn.FD, reactor.Write, reactor.TagClient, c)
	} else {
		s.rx.Deregister(c.conn.FD, reactor.Write, false)
	}
}

// beginClose handles a CloseConnection result from OnReadable: QUIT (or a
// fatal read condition) queues a final reply that must still be flushed
// before the socket is torn down.
func (s *Server) beginClose(c *client) {
	if !c.conn.HasPendingWrite() {
		s.closeClient(c)
		return
	}
	c.closing = true
	_ = s.rx.Register(c.conn.FD, reactor.Write, reactor.TagClient, c)
}

// closeClient tears down a connection: deregister from the reactor
// (invoking onReactorCleanup to drop the bookkeeping entry), close the
// socket, release the connection-limiter slot, and update metrics.
func (s *Server) closeClient(c *client) {
	s.rx.Deregister(c.conn.FD, reactor.Read|reactor.Write, true)
	c.conn.Close()
	s.limiter.Release()
	s.registry.ConnectionClosed()
}

// handleControl services one readiness cycle on the control-plane socket:
// spec.md §4.5 is strictly one reply datagram per request datagram.
func (s *Server) handleControl() {
	buf := make([]byte, 256)
	n, from, err := netutil.RecvFromUDP(s.controlF, buf)
	if err != nil {
		if err != unix.EAGAIN {
			s.logger.Error("control socket read failed", "error", err)
		}
		return
	}
	resp := s.codec.Handle(buf[:n])
	if err := netutil.SendToUDP(s.controlF, resp, from); err != nil {
		s.logger.Error("control socket reply failed", "error", err)
	}
}

// sweepIdle closes connections that have not been active for longer than
// the configured idle timeout (spec.md §5's housekeeping sweep).
func (s *Server) sweepIdle() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	var stale []*client
	for _, c := range s.clients {
		if c.lastActive.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		s.logger.Info("closing idle connection", "fd", c.conn.FD)
		s.closeClient(c)
	}
}

// shutdown performs the graceful-shutdown sequence described in spec.md
// §5: close every client and passive socket, then reap transform workers
// with a bounded wait.
func (s *Server) shutdown() {
	s.logger.Info("smtpd shutting down")

	for _, c := range s.clients {
		s.closeClient(c)
	}

	unix.Close(s.smtpV4)
	if s.hasV6 {
		unix.Close(s.smtpV6)
	}
	unix.Close(s.controlF)
	s.rx.Close()

	if s.dispatcher != nil {
		s.dispatcher.Shutdown(5 * time.Second)
	}
}
