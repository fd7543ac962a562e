// Package consumer implements the consumer handoff protocol (§4.6): the
// three-step sequence that turns a shadow AppChannel into a channel the
// consumer daemon is actually draining, plus the ADD_CHANNEL/ADD_STREAM
// wire transport (ancillary fd passing over a local control socket).
package consumer

import (
	"context"

	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

// Client is the abstract consumer control-socket facade. Each method
// round-trips the consumer's control socket and is a potential blocking
// point (§5) — never call these while holding a registry writer lock.
type Client interface {
	// AddChannel asks the consumer to create a channel and returns the
	// expected stream count plus stream descriptors with attached fds.
	AddChannel(ctx context.Context, req consumerproto.AddChannelRequest) (consumerproto.AddChannelResponse, error)
	// AddStream sends one stream descriptor plus its fd, ancillary to the
	// control message (§4.6, §6). The ordering send_channel → send_streams
	// is the caller's responsibility (AddChannel before any AddStream for
	// the same channel key).
	AddStream(ctx context.Context, req consumerproto.AddStreamRequest, fd int) error
	// GetChannel retrieves the consumer-side handle for a channel already
	// created via AddChannel, to populate the channel's tracer-side object.
	GetChannel(ctx context.Context, key ids.ChannelKey) (int64, error)
	// DestroyChannel tells the consumer to tear down a channel, used as
	// the compensating action when FD reservation or GetChannel fails.
	DestroyChannel(ctx context.Context, key ids.ChannelKey) error
}
