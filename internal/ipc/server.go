package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// maxLine bounds one request; SDP payloads can exceed the scanner default.
const maxLine = 1 << 20

// Peer identifies the process on the other end of a connection. PID is -1
// when the credentials could not be read.
type Peer struct {
	PID int32
	UID uint32
	GID uint32
}

// Handler answers one request.
type Handler interface {
	Handle(ctx context.Context, req Request, peer Peer) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request, peer Peer) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request, peer Peer) Response {
	return f(ctx, req, peer)
}

// Server serves the protocol on a Unix socket.
type Server struct {
	Path    string
	Handler Handler
	Logger  *slog.Logger
	// Mode is applied to the socket file; zero means 0660.
	Mode os.FileMode

	ready     chan struct{}
	once      sync.Once
	readyOnce sync.Once
	startErr  error
}

// Ready is closed once the socket accepts connections or Serve has given up
// before getting there. Err tells the two apart.
func (s *Server) Ready() <-chan struct{} {
	s.once.Do(func() { s.ready = make(chan struct{}) })
	return s.ready
}

// Err returns the error that kept Serve from listening. It is only
// meaningful after Ready is closed.
func (s *Server) Err() error {
	<-s.Ready()
	return s.startErr
}

func (s *Server) markReady(err error) {
	s.readyOnce.Do(func() {
		s.startErr = err
		s.Ready()
		close(s.ready)
	})
}

// Serve listens until ctx is cancelled. Connections still open at that
// point are closed and waited for.
func (s *Server) Serve(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	mode := s.Mode
	if mode == 0 {
		mode = 0o660
	}

	ln, err := s.listen(mode)
	if err != nil {
		s.markReady(err)
		return err
	}
	defer os.Remove(s.Path)
	log.Info("ipc listening", "socket", s.Path)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.markReady(nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Debug("ipc listener closed")
				return nil
			}
			log.Error("ipc accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(connCtx, conn, log)
		}()
	}
}

func (s *Server) listen(mode os.FileMode) (net.Listener, error) {
	if err := os.RemoveAll(s.Path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	ln, err := net.Listen("unix", s.Path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.Path, err)
	}
	if err := os.Chmod(s.Path, mode); err != nil {
		ln.Close()
		os.Remove(s.Path)
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, log *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	peer := peerOf(conn)
	log = log.With("peer_pid", peer.PID, "peer_uid", peer.UID)
	log.Debug("ipc connection")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var resp Response
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = Fail(fmt.Errorf("parse request: %w", err))
		} else {
			log.Debug("ipc request", "type", req.Type)
			resp = s.Handler.Handle(ctx, req, peer)
		}
		if err := enc.Encode(resp); err != nil {
			log.Debug("ipc write failed", "error", err)
			return
		}
	}
	log.Debug("ipc connection closed")
}

// peerOf reads SO_PEERCRED from a Unix connection.
func peerOf(conn net.Conn) Peer {
	peer := Peer{PID: -1, UID: ^uint32(0), GID: ^uint32(0)}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return peer
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return peer
	}
	_ = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		peer = Peer{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}
	})
	return peer
}
