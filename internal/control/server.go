package control

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"wrapfs/internal/logging"
)

var (
	serverLogger = logging.GetLogger().WithPrefix("ctlsrv")
)

// maxSocketName keeps socket paths under the sun_path limit.
const maxSocketName = 96

// SocketPath returns the control socket of the mount at mountpoint inside
// dir. Mount points are escaped systemd style ("/mnt/a" becomes
// "mnt-a.sock"); names too long for a unix socket fall back to a hash.
func SocketPath(dir, mountpoint string) string {
	clean := strings.Trim(filepath.Clean(mountpoint), "/")
	name := strings.ReplaceAll(clean, "/", "-")
	if name == "" {
		name = "-"
	}
	if len(name) > maxSocketName {
		name = fnvHex(clean)
	}
	return filepath.Join(dir, name+".sock")
}

func fnvHex(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Server accepts control connections on a unix socket and feeds them to a
// Handler. Connections whose peer is neither root nor the configured admin
// uid are refused.
type Server struct {
	path     string
	handler  *Handler
	adminUID uint32

	mu       sync.Mutex
	listener *net.UnixListener
	conns    map[*net.UnixConn]struct{}
	wg       sync.WaitGroup
}

// NewServer returns a server for handler that will listen on socketPath.
func NewServer(socketPath string, handler *Handler, adminUID uint32) *Server {
	return &Server{
		path:     socketPath,
		handler:  handler,
		adminUID: adminUID,
		conns:    make(map[*net.UnixConn]struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Listen creates the socket, replacing a stale one left by a previous run.
func (s *Server) Listen() error {
	serverLogger.Debug("Listening on %s", s.path)
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.Wrap(err, "create socket directory")
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove stale socket")
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.path)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		l.Close()
		return errors.Wrap(err, "restrict socket permissions")
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is done or Close is called. Listen
// must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("control server is not listening")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	serverLogger.Info("Control socket ready at %s", s.path)
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		s.mu.Lock()
		if s.listener == nil {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Close stops accepting, closes open connections and removes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	for conn := range s.conns {
		conn.Close()
	}
	os.Remove(s.path)
	return err
}

func (s *Server) forget(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// peerAllowed checks the credentials of the process on the other end.
func (s *Server) peerAllowed(conn *net.UnixConn) (bool, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return false, err
	}
	if credErr != nil {
		return false, credErr
	}
	serverLogger.Trace("Peer pid=%d uid=%d", cred.Pid, cred.Uid)
	return cred.Uid == 0 || cred.Uid == s.adminUID, nil
}

// serveConn answers requests on conn until the peer hangs up. A connection
// may carry any number of requests; each is read as exactly one frame.
func (s *Server) serveConn(conn *net.UnixConn) {
	defer s.forget(conn)

	allowed, err := s.peerAllowed(conn)
	if err != nil {
		serverLogger.Warn("Cannot read peer credentials: %v", err)
	}

	buf := make([]byte, RequestSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				serverLogger.Warn("Short request frame")
				s.reply(conn, &Response{Status: StatusFaultOnCopy})
			} else if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				serverLogger.Debug("Read failed: %v", err)
			}
			return
		}

		if !allowed {
			serverLogger.Warn("Refusing control request from unprivileged peer")
			s.reply(conn, &Response{Status: StatusPermissionDenied})
			return
		}

		var req Request
		req.Decode(buf)
		if !s.reply(conn, s.handler.Handle(&req)) {
			return
		}
	}
}

func (s *Server) reply(conn *net.UnixConn, resp *Response) bool {
	if _, err := conn.Write(resp.Bytes()); err != nil {
		serverLogger.Debug("Write failed: %v", err)
		return false
	}
	return true
}
