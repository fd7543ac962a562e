// Package listener accepts app control-socket connections and drives them
// through the register → version-validate → (blocked until disconnect) →
// unregister lifecycle of §4.2. The registration wire format itself is an
// external collaborator per §1 ("parsing the register message"); this
// package owns only the accept loop and the lifecycle calls around it,
// mirroring the teacher's worker main-loop shape (a goroutine per
// connection, context-driven shutdown).
package listener

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/lifecycle"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// registerMsgSize is the fixed-width register message this coordinator's
// own tracee stub sends: pid, ppid, uid, gid (4x uint32), bitness, major,
// minor (3x uint32), then a 16-byte nul-padded name.
const registerMsgSize = 7*4 + 16

// AppListener accepts connections on a unix socket and registers each one
// as an App.
type AppListener struct {
	Path      string
	Lifecycle *lifecycle.Manager
	Driver    *tracerdriver.UnixDriver
	Logger    *zap.Logger

	nextSock uint32
}

// New creates an AppListener bound to path (removed and recreated on Run).
func New(path string, lc *lifecycle.Manager, driver *tracerdriver.UnixDriver, logger *zap.Logger) *AppListener {
	return &AppListener{Path: path, Lifecycle: lc, Driver: driver, Logger: logger}
}

// Run accepts connections until ctx is cancelled.
func (l *AppListener) Run(ctx context.Context) error {
	_ = os.Remove(l.Path)
	ln, err := net.Listen("unix", l.Path)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.Logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *AppListener) handle(ctx context.Context, conn net.Conn) {
	sock := ids.SocketID(atomic.AddUint32(&l.nextSock, 1))

	buf := make([]byte, registerMsgSize)
	if _, err := readFull(conn, buf); err != nil {
		l.Logger.Warn("register: short read, dropping connection", zap.Error(err))
		conn.Close()
		return
	}

	req := lifecycle.RegisterRequest{
		Pid:     ids.Pid(binary.LittleEndian.Uint32(buf[0:4])),
		Ppid:    ids.Pid(binary.LittleEndian.Uint32(buf[4:8])),
		UID:     binary.LittleEndian.Uint32(buf[8:12]),
		GID:     binary.LittleEndian.Uint32(buf[12:16]),
		Bitness: int(binary.LittleEndian.Uint32(buf[16:20])),
		Major:   binary.LittleEndian.Uint32(buf[20:24]),
		Minor:   binary.LittleEndian.Uint32(buf[24:28]),
		Name:    trimNul(buf[28:44]),
		Sock:    sock,
	}

	l.Driver.Register(sock, conn)
	a, err := l.Lifecycle.Register(ctx, req)
	if err != nil {
		l.Logger.Warn("register rejected", zap.Error(err), zap.Uint32("pid", uint32(req.Pid)))
		l.Driver.Unregister(sock)
		return
	}

	if err := l.Lifecycle.VersionValidate(ctx, a); err != nil {
		l.Logger.Warn("version validate failed", zap.Error(err), zap.Uint32("pid", uint32(req.Pid)))
	}

	// Block until the tracee closes its end; that is this coordinator's
	// only signal that the app has gone away.
	discard := make([]byte, 1)
	for {
		if _, err := conn.Read(discard); err != nil {
			break
		}
	}
	// The deferred reclaim closes and forgets the connection through
	// Driver.Close once the grace period has passed.
	l.Lifecycle.Unregister(ctx, sock)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
