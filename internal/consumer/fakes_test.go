package consumer_test

import (
	"context"
	"os"
	"sync"

	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

func devNullFD() int {
	f, err := os.Open(os.DevNull)
	if err != nil {
		panic(err)
	}
	return int(f.Fd())
}

// fakeClient is a configurable in-memory stand-in for consumer.Client.
type fakeClient struct {
	mu           sync.Mutex
	addChannelFn func(req consumerproto.AddChannelRequest) (consumerproto.AddChannelResponse, error)
	destroyed    []ids.ChannelKey
	getChannelFn func(key ids.ChannelKey) (int64, error)
}

func (c *fakeClient) AddChannel(ctx context.Context, req consumerproto.AddChannelRequest) (consumerproto.AddChannelResponse, error) {
	if c.addChannelFn != nil {
		return c.addChannelFn(req)
	}
	return consumerproto.AddChannelResponse{
		ExpectedStreamCount: 1,
		Streams:             []consumerproto.StreamDescriptor{{CPU: 0, FD: devNullFD()}},
	}, nil
}

func (c *fakeClient) AddStream(ctx context.Context, req consumerproto.AddStreamRequest, fd int) error {
	return nil
}

func (c *fakeClient) GetChannel(ctx context.Context, key ids.ChannelKey) (int64, error) {
	if c.getChannelFn != nil {
		return c.getChannelFn(key)
	}
	return int64(key), nil
}

func (c *fakeClient) DestroyChannel(ctx context.Context, key ids.ChannelKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = append(c.destroyed, key)
	return nil
}

// fakeDriver is a minimal tracerdriver.Driver stand-in covering only what
// the handoff touches.
type fakeDriver struct {
	tracerdriver.Driver
	createChannelErr error
	disableErr       error
	disableCalled    bool
}

func (d *fakeDriver) CreateChannel(ctx context.Context, sock ids.SocketID, session tracerdriver.Handle, attr tracerdriver.ChannelAttr) (tracerdriver.Handle, error) {
	if d.createChannelErr != nil {
		return 0, d.createChannelErr
	}
	return tracerdriver.Handle(1), nil
}

func (d *fakeDriver) Disable(ctx context.Context, sock ids.SocketID, obj tracerdriver.Handle) error {
	d.disableCalled = true
	return d.disableErr
}
