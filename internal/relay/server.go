package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/scanrelay/internal/scanjob"
	"github.com/mzyy94/scanrelay/internal/wire"
)

// Performer executes one remote scan request end to end. Implemented
// by the orchestrator façade.
type Performer interface {
	PerformRemoteScan(ctx context.Context, req wire.ScanRequest) (*wire.ScanResult, error)
}

// ServerOptions configures the transport listener.
type ServerOptions struct {
	Port         int    // 0 picks an ephemeral port
	PairingToken string // when set, scan requests must present it
	ReadChunk    int    // per-read buffer size, default 64KiB
}

// Server accepts stream connections and serves scan requests by
// delegating to the Performer. Each connection runs an independent
// session; closing or failing one tears down only that session.
type Server struct {
	performer Performer
	opts      ServerOptions

	ln   net.Listener
	mdns *zeroconf.Server
	wg   sync.WaitGroup
}

// NewServer creates a Server delegating to performer.
func NewServer(performer Performer, opts ServerOptions) *Server {
	if opts.ReadChunk == 0 {
		opts.ReadChunk = 64 * 1024
	}
	return &Server{performer: performer, opts: opts}
}

// Start begins listening and accepting connections. It returns once
// the listener is bound; sessions run until ctx is cancelled or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	slog.Info("scan relay listening", "addr", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Advertise registers the scan capability under the given instance
// name so clients can discover this server.
func (s *Server) Advertise(name string) error {
	addr, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("listener has no TCP address")
	}
	mdns, err := zeroconf.Register(name, ServiceType, ServiceDomain, addr.Port, []string{"txtvers=1"}, nil)
	if err != nil {
		return fmt.Errorf("mDNS registration: %w", err)
	}
	s.mdns = mdns
	slog.Info("mDNS registered", "name", name, "service", ServiceType, "port", addr.Port)
	return nil
}

// Shutdown stops advertising, closes the listener, and waits for all
// sessions to finish.
func (s *Server) Shutdown() {
	if s.mdns != nil {
		s.mdns.Shutdown()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	slog.Info("scan relay stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(ctx, conn)
		}()
	}
}

// serveSession runs one connection: hello on connect, then a frame
// loop. Scan requests are handled asynchronously so a long scan never
// blocks this session's reads or other sessions.
func (s *Server) serveSession(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr()
	slog.Info("session opened", "remote", remote)

	sess := &session{conn: conn}
	if err := sess.send(wire.Hello()); err != nil {
		slog.Warn("hello send failed", "remote", remote, "err", err)
		return
	}

	var dec wire.Decoder
	buf := make([]byte, s.opts.ReadChunk)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			slog.Info("session closed", "remote", remote, "dropped_frames", dec.Dropped())
			return
		}
		for _, msg := range dec.Decode(buf[:n]) {
			s.handleMessage(ctx, sess, msg, remote)
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, sess *session, msg wire.Message, remote net.Addr) {
	switch msg.Type {
	case wire.TypeHello:
		slog.Debug("peer hello", "remote", remote)
	case wire.TypeScanRequest:
		req := *msg.ScanRequest
		if s.opts.PairingToken != "" && req.PairingToken != s.opts.PairingToken {
			slog.Warn("pairing token rejected", "remote", remote)
			sess.send(wire.NewError("pairing rejected"))
			return
		}
		go s.handleScan(ctx, sess, req, remote)
	default:
		slog.Debug("ignoring frame", "type", msg.Type, "remote", remote)
	}
}

// handleScan serves one scan request and sends exactly one terminal
// frame: scanResult on success, error on failure. A request arriving
// while the device is busy gets the busy rejection immediately instead
// of queueing behind the in-flight job.
func (s *Server) handleScan(ctx context.Context, sess *session, req wire.ScanRequest, remote net.Addr) {
	slog.Info("scan request", "remote", remote, "preset", req.PresetName,
		"searchable", req.SearchablePDF, "single", req.ForceSingleDocument)

	if err := sess.send(wire.NewStatus("scan request accepted")); err != nil {
		slog.Warn("status send failed", "remote", remote, "err", err)
		return
	}

	res, err := s.performer.PerformRemoteScan(ctx, req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, scanjob.ErrBusy) {
			msg = "busy: " + msg
		}
		slog.Warn("scan request failed", "remote", remote, "err", err)
		sess.send(wire.NewError(msg))
		return
	}
	if err := sess.send(wire.NewScanResult(*res)); err != nil {
		slog.Warn("result send failed", "remote", remote, "err", err)
	}
}

// session serializes frame writes on one connection so frames from
// concurrent handlers never interleave.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (s *session) send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(data)
	return err
}
