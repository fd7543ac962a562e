package session_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// devNullFD opens /dev/null and returns its fd, mimicking a real stream
// descriptor well enough for finishHandoff to close it without error.
func devNullFD() int {
	f, err := os.Open(os.DevNull)
	if err != nil {
		panic(err)
	}
	return int(f.Fd())
}

// fakeDriver is a configurable in-memory stand-in for tracerdriver.Driver.
// vanished marks sockets whose every call should return tracerdriver.ErrExiting.
type fakeDriver struct {
	mu        sync.Mutex
	nextH     int64
	vanished  map[ids.SocketID]bool
	oomSocks  map[ids.SocketID]bool
	filterSet []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{vanished: map[ids.SocketID]bool{}, oomSocks: map[ids.SocketID]bool{}}
}

func (d *fakeDriver) handle() tracerdriver.Handle {
	return tracerdriver.Handle(atomic.AddInt64(&d.nextH, 1))
}

func (d *fakeDriver) checkVanished(sock ids.SocketID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vanished[sock] {
		return tracerdriver.ErrExiting
	}
	return nil
}

func (d *fakeDriver) CreateSession(ctx context.Context, sock ids.SocketID) (tracerdriver.Handle, error) {
	if err := d.checkVanished(sock); err != nil {
		return 0, err
	}
	return d.handle(), nil
}
func (d *fakeDriver) ReleaseHandle(ctx context.Context, sock ids.SocketID, h tracerdriver.Handle) error {
	return nil
}
func (d *fakeDriver) ReleaseObject(ctx context.Context, sock ids.SocketID, h tracerdriver.Handle) error {
	return nil
}
func (d *fakeDriver) CreateChannel(ctx context.Context, sock ids.SocketID, session tracerdriver.Handle, attr tracerdriver.ChannelAttr) (tracerdriver.Handle, error) {
	if err := d.checkVanished(sock); err != nil {
		return 0, err
	}
	return d.handle(), nil
}
func (d *fakeDriver) CreateEvent(ctx context.Context, sock ids.SocketID, channel tracerdriver.Handle, attr tracerdriver.EventAttr) (tracerdriver.Handle, error) {
	if err := d.checkVanished(sock); err != nil {
		return 0, err
	}
	return d.handle(), nil
}
func (d *fakeDriver) AddContext(ctx context.Context, sock ids.SocketID, channel tracerdriver.Handle, kind string) (tracerdriver.Handle, error) {
	return d.handle(), nil
}
func (d *fakeDriver) SetFilter(ctx context.Context, sock ids.SocketID, event tracerdriver.Handle, filter []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filterSet = append(d.filterSet, string(filter))
	return nil
}
func (d *fakeDriver) Enable(ctx context.Context, sock ids.SocketID, obj tracerdriver.Handle) error {
	return d.checkVanished(sock)
}
func (d *fakeDriver) Disable(ctx context.Context, sock ids.SocketID, obj tracerdriver.Handle) error {
	return d.checkVanished(sock)
}
func (d *fakeDriver) StartSession(ctx context.Context, sock ids.SocketID, session tracerdriver.Handle) error {
	return d.checkVanished(sock)
}
func (d *fakeDriver) StopSession(ctx context.Context, sock ids.SocketID, session tracerdriver.Handle) error {
	return d.checkVanished(sock)
}
func (d *fakeDriver) FlushBuffer(ctx context.Context, sock ids.SocketID, channel tracerdriver.Handle) error {
	return d.checkVanished(sock)
}
func (d *fakeDriver) WaitQuiescent(ctx context.Context, sock ids.SocketID) error {
	return d.checkVanished(sock)
}
func (d *fakeDriver) Version(ctx context.Context, sock ids.SocketID) (tracerdriver.VersionInfo, error) {
	return tracerdriver.VersionInfo{Major: 2}, nil
}
func (d *fakeDriver) Calibrate(ctx context.Context, sock ids.SocketID) error { return nil }
func (d *fakeDriver) TracepointList(ctx context.Context, sock ids.SocketID) (tracerdriver.Handle, error) {
	return d.handle(), nil
}
func (d *fakeDriver) TracepointListGet(ctx context.Context, sock ids.SocketID, list tracerdriver.Handle, index int) (tracerdriver.TracepointEntry, error) {
	return tracerdriver.TracepointEntry{}, tracerdriver.ErrNoEnt
}
func (d *fakeDriver) TracepointFieldList(ctx context.Context, sock ids.SocketID) (tracerdriver.Handle, error) {
	return d.handle(), nil
}
func (d *fakeDriver) TracepointFieldListGet(ctx context.Context, sock ids.SocketID, list tracerdriver.Handle, index int) (tracerdriver.FieldEntry, error) {
	return tracerdriver.FieldEntry{}, tracerdriver.ErrNoEnt
}

// fakeConsumerClient is an in-memory stand-in for consumer.Client.
type fakeConsumerClient struct {
	mu       sync.Mutex
	channels map[ids.ChannelKey]bool
	destroys []ids.ChannelKey
}

func newFakeConsumerClient() *fakeConsumerClient {
	return &fakeConsumerClient{channels: map[ids.ChannelKey]bool{}}
}

func (c *fakeConsumerClient) AddChannel(ctx context.Context, req consumerproto.AddChannelRequest) (consumerproto.AddChannelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[req.ChannelKey] = true
	return consumerproto.AddChannelResponse{
		ExpectedStreamCount: 1,
		Streams:             []consumerproto.StreamDescriptor{{CPU: 0, FD: devNullFD()}},
	}, nil
}

func (c *fakeConsumerClient) AddStream(ctx context.Context, req consumerproto.AddStreamRequest, fd int) error {
	return nil
}

func (c *fakeConsumerClient) GetChannel(ctx context.Context, key ids.ChannelKey) (int64, error) {
	return int64(key), nil
}

func (c *fakeConsumerClient) DestroyChannel(ctx context.Context, key ids.ChannelKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys = append(c.destroys, key)
	delete(c.channels, key)
	return nil
}
