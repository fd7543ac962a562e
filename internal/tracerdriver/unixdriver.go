package tracerdriver

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/arc-self/trace-sessiond/internal/ids"
)

// command tags a tracer control-channel request. The exact byte layout
// here only needs to agree with this coordinator's own tracee-side stub;
// the real upstream tracer wire protocol is named as an external
// collaborator (§1) and is not reproduced here.
type command uint32

const (
	cmdCreateSession command = iota
	cmdReleaseHandle
	cmdReleaseObject
	cmdCreateChannel
	cmdCreateEvent
	cmdAddContext
	cmdSetFilter
	cmdEnable
	cmdDisable
	cmdStartSession
	cmdStopSession
	cmdFlushBuffer
	cmdWaitQuiescent
	cmdVersion
	cmdCalibrate
	cmdTracepointList
	cmdTracepointListGet
	cmdTracepointFieldList
	cmdTracepointFieldListGet
)

// replyHeaderSize is status(int32) + pad(int32) + value(int64) + payload
// length(int64).
const replyHeaderSize = 4 + 4 + 8 + 8

// UnixDriver is a Driver implementation that round-trips each app's
// control socket as a connected net.Conn, keyed by the socket id assigned
// at registration. Every method is a synchronous request/response over
// that connection (§4.5, §5 — "every tracer driver call is a potential
// blocking operation").
type UnixDriver struct {
	mu    sync.RWMutex
	conns map[ids.SocketID]net.Conn
}

// NewUnixDriver creates an empty UnixDriver; call Register as each app's
// control connection is accepted.
func NewUnixDriver() *UnixDriver {
	return &UnixDriver{conns: make(map[ids.SocketID]net.Conn)}
}

// Register associates sock with its live control connection.
func (d *UnixDriver) Register(sock ids.SocketID, conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[sock] = conn
}

// Unregister drops the association for sock without closing the
// connection (the caller owns the close, matching §4.2's "closing the
// socket inside the deferred callback").
func (d *UnixDriver) Unregister(sock ids.SocketID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, sock)
}

// Close implements lifecycle.SocketCloser: closes and forgets the
// connection registered for sock.
func (d *UnixDriver) Close(sock ids.SocketID) error {
	d.mu.Lock()
	c, ok := d.conns[sock]
	delete(d.conns, sock)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

func (d *UnixDriver) conn(sock ids.SocketID) (net.Conn, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[sock]
	if !ok {
		return nil, fmt.Errorf("tracerdriver: no connection registered for socket %d", sock)
	}
	return c, nil
}

// roundTrip writes a fixed command header plus an optional payload, then
// reads back a status/value/variable-payload reply. The returned []byte
// is nil when the reply carried no trailing payload (the common case).
func (d *UnixDriver) roundTrip(sock ids.SocketID, cmd command, payload []byte) (int64, []byte, error) {
	c, err := d.conn(sock)
	if err != nil {
		return 0, nil, err
	}

	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(cmd))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := c.Write(hdr); err != nil {
		return 0, nil, err
	}
	if len(payload) > 0 {
		if _, err := c.Write(payload); err != nil {
			return 0, nil, err
		}
	}

	reply := make([]byte, replyHeaderSize)
	if _, err := readFull(c, reply); err != nil {
		return 0, nil, err
	}
	status := int32(binary.LittleEndian.Uint32(reply[0:4]))
	value := int64(binary.LittleEndian.Uint64(reply[8:16]))
	payloadLen := binary.LittleEndian.Uint64(reply[16:24])
	if status != 0 {
		return 0, nil, syscall.Errno(status)
	}

	var extra []byte
	if payloadLen > 0 {
		extra = make([]byte, payloadLen)
		if _, err := readFull(c, extra); err != nil {
			return 0, nil, err
		}
	}
	return value, extra, nil
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func putHandle(buf []byte, off int, h Handle) {
	binary.LittleEndian.PutUint64(buf[off:], uint64(h))
}

// decodeString reads a uint32 length prefix followed by that many bytes,
// returning the string and the number of bytes consumed.
func decodeString(buf []byte) (string, int) {
	if len(buf) < 4 {
		return "", len(buf)
	}
	n := int(binary.LittleEndian.Uint32(buf))
	end := 4 + n
	if end > len(buf) {
		end = len(buf)
	}
	return string(buf[4:end]), end
}

func (d *UnixDriver) CreateSession(_ context.Context, sock ids.SocketID) (Handle, error) {
	v, _, err := d.roundTrip(sock, cmdCreateSession, nil)
	return Handle(v), err
}

func (d *UnixDriver) ReleaseHandle(_ context.Context, sock ids.SocketID, h Handle) error {
	buf := make([]byte, 8)
	putHandle(buf, 0, h)
	_, _, err := d.roundTrip(sock, cmdReleaseHandle, buf)
	return err
}

func (d *UnixDriver) ReleaseObject(_ context.Context, sock ids.SocketID, h Handle) error {
	buf := make([]byte, 8)
	putHandle(buf, 0, h)
	_, _, err := d.roundTrip(sock, cmdReleaseObject, buf)
	return err
}

func (d *UnixDriver) CreateChannel(_ context.Context, sock ids.SocketID, session Handle, attr ChannelAttr) (Handle, error) {
	buf := make([]byte, 8+8+8+1+4+4+4+4)
	o := 0
	putHandle(buf, o, session)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], attr.SubBufSize)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], attr.SubBufCount)
	o += 8
	if attr.Overwrite {
		buf[o] = 1
	}
	o++
	binary.LittleEndian.PutUint32(buf[o:], attr.SwitchTimer)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], attr.ReadTimer)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(attr.Output))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(attr.Type))
	v, _, err := d.roundTrip(sock, cmdCreateChannel, buf)
	return Handle(v), err
}

func (d *UnixDriver) CreateEvent(_ context.Context, sock ids.SocketID, channel Handle, attr EventAttr) (Handle, error) {
	buf := make([]byte, 8+4+4+4)
	o := 0
	putHandle(buf, o, channel)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(attr.LogLevel))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(attr.LogLevelType))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(attr.Instrumentation))
	v, _, err := d.roundTrip(sock, cmdCreateEvent, buf)
	return Handle(v), err
}

func (d *UnixDriver) AddContext(_ context.Context, sock ids.SocketID, channel Handle, kind string) (Handle, error) {
	buf := make([]byte, 8+4+len(kind))
	putHandle(buf, 0, channel)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(kind)))
	copy(buf[12:], kind)
	v, _, err := d.roundTrip(sock, cmdAddContext, buf)
	return Handle(v), err
}

func (d *UnixDriver) SetFilter(_ context.Context, sock ids.SocketID, event Handle, filter []byte) error {
	buf := make([]byte, 8+4+len(filter))
	putHandle(buf, 0, event)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(filter)))
	copy(buf[12:], filter)
	_, _, err := d.roundTrip(sock, cmdSetFilter, buf)
	return err
}

func (d *UnixDriver) Enable(_ context.Context, sock ids.SocketID, obj Handle) error {
	buf := make([]byte, 8)
	putHandle(buf, 0, obj)
	_, _, err := d.roundTrip(sock, cmdEnable, buf)
	return err
}

func (d *UnixDriver) Disable(_ context.Context, sock ids.SocketID, obj Handle) error {
	buf := make([]byte, 8)
	putHandle(buf, 0, obj)
	_, _, err := d.roundTrip(sock, cmdDisable, buf)
	return err
}

func (d *UnixDriver) StartSession(_ context.Context, sock ids.SocketID, session Handle) error {
	buf := make([]byte, 8)
	putHandle(buf, 0, session)
	_, _, err := d.roundTrip(sock, cmdStartSession, buf)
	return err
}

func (d *UnixDriver) StopSession(_ context.Context, sock ids.SocketID, session Handle) error {
	buf := make([]byte, 8)
	putHandle(buf, 0, session)
	_, _, err := d.roundTrip(sock, cmdStopSession, buf)
	return err
}

func (d *UnixDriver) FlushBuffer(_ context.Context, sock ids.SocketID, channel Handle) error {
	buf := make([]byte, 8)
	putHandle(buf, 0, channel)
	_, _, err := d.roundTrip(sock, cmdFlushBuffer, buf)
	return err
}

func (d *UnixDriver) WaitQuiescent(_ context.Context, sock ids.SocketID) error {
	_, _, err := d.roundTrip(sock, cmdWaitQuiescent, nil)
	return err
}

func (d *UnixDriver) Version(_ context.Context, sock ids.SocketID) (VersionInfo, error) {
	v, _, err := d.roundTrip(sock, cmdVersion, nil)
	if err != nil {
		return VersionInfo{}, err
	}
	return VersionInfo{Major: uint32(v >> 32), Minor: uint32(v & 0xffffffff)}, nil
}

func (d *UnixDriver) Calibrate(_ context.Context, sock ids.SocketID) error {
	_, _, err := d.roundTrip(sock, cmdCalibrate, nil)
	return err
}

func (d *UnixDriver) TracepointList(_ context.Context, sock ids.SocketID) (Handle, error) {
	v, _, err := d.roundTrip(sock, cmdTracepointList, nil)
	return Handle(v), err
}

func (d *UnixDriver) TracepointListGet(_ context.Context, sock ids.SocketID, list Handle, index int) (TracepointEntry, error) {
	buf := make([]byte, 8+4)
	putHandle(buf, 0, list)
	binary.LittleEndian.PutUint32(buf[8:], uint32(index))
	v, extra, err := d.roundTrip(sock, cmdTracepointListGet, buf)
	if err != nil {
		return TracepointEntry{}, err
	}
	name, _ := decodeString(extra)
	return TracepointEntry{Name: name, LogLevel: int32(v)}, nil
}

func (d *UnixDriver) TracepointFieldList(_ context.Context, sock ids.SocketID) (Handle, error) {
	v, _, err := d.roundTrip(sock, cmdTracepointFieldList, nil)
	return Handle(v), err
}

func (d *UnixDriver) TracepointFieldListGet(_ context.Context, sock ids.SocketID, list Handle, index int) (FieldEntry, error) {
	buf := make([]byte, 8+4)
	putHandle(buf, 0, list)
	binary.LittleEndian.PutUint32(buf[8:], uint32(index))
	v, extra, err := d.roundTrip(sock, cmdTracepointFieldListGet, buf)
	if err != nil {
		return FieldEntry{}, err
	}
	name, n := decodeString(extra)
	fieldType, n2 := decodeString(extra[n:])
	noWrite := false
	if n+n2 < len(extra) {
		noWrite = extra[n+n2] != 0
	}
	return FieldEntry{
		Name:       name,
		FieldType:  fieldType,
		NoWrite:    noWrite,
		Tracepoint: TracepointEntry{LogLevel: int32(v)},
	}, nil
}
