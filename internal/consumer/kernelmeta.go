package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/globalsession"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

// SendMetadata performs the kernel-consumer metadata variant of the
// handoff (§4.6 [SUPPLEMENT], grounded on kernel-consumer.c's dedicated
// metadata add path): a single ADD_CHANNEL of type METADATA named
// "metadata" with an expected stream count of exactly one, followed by
// one ADD_STREAM for cpu 0 carrying the no_monitor flag so the consumer
// routes it to its snapshot-only side list instead of the draining set.
func (h *Handoff) SendMetadata(ctx context.Context, appSock ids.SocketID, session *app.AppSession, c *app.AppChannel, consumer globalsession.Consumer) error {
	path, err := h.resolvePath(session.TracePath, consumer, session.UID, session.GID)
	if err != nil {
		return err
	}

	req := buildAddChannelRequest(c, session, path, consumer, consumerproto.ChannelMetadata)
	req.Name = consumerproto.DefaultMetadataName
	req.StreamCount = 1

	resp, err := h.Client.AddChannel(ctx, req)
	if err != nil {
		return fmt.Errorf("consumer handoff: metadata AddChannel: %w", err)
	}
	if resp.ExpectedStreamCount != 1 || len(resp.Streams) != 1 {
		return fmt.Errorf("consumer handoff: metadata channel expected exactly one stream, got count=%d descriptors=%d", resp.ExpectedStreamCount, len(resp.Streams))
	}
	c.ExpectedStreamCount = 1
	resp.Streams[0].CPU = 0

	units := int64(consumerproto.DefaultUstStreamFdNum)
	if err := h.Quota.Reserve(units); err != nil {
		if derr := h.Client.DestroyChannel(ctx, c.Key); derr != nil {
			h.Logger.Warn("metadata handoff: destroy channel after fd reservation failure", zap.Error(derr))
		}
		return err
	}

	if err := h.finishHandoff(ctx, appSock, session, c, resp, true); err != nil {
		h.Quota.Release(units)
		if derr := h.Client.DestroyChannel(ctx, c.Key); derr != nil {
			h.Logger.Warn("metadata handoff: destroy channel after finish failure", zap.Error(derr))
		}
		return err
	}

	session.Metadata = c
	return nil
}
