package consumer

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/arc-self/trace-sessiond/internal/app"
	"github.com/arc-self/trace-sessiond/internal/apperr"
	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/fdquota"
	"github.com/arc-self/trace-sessiond/internal/globalsession"
	"github.com/arc-self/trace-sessiond/internal/ids"
	"github.com/arc-self/trace-sessiond/internal/tracerdriver"
)

// localDirMode is "rwx for owner and group" (§4.6/§6): rwxrwx---.
const localDirMode = 0o770

// Handoff performs the three-step consumer handoff of §4.6 for a given
// app, driven by the session-projection layer (§4.4) whenever a channel
// is newly created.
type Handoff struct {
	Client Client
	Quota  *fdquota.Quota
	Driver tracerdriver.Driver
	Dirs   DirCreator
	Logger *zap.Logger
}

// New creates a Handoff with the default (non-privileged) DirCreator.
func New(client Client, quota *fdquota.Quota, driver tracerdriver.Driver, logger *zap.Logger) *Handoff {
	return &Handoff{Client: client, Quota: quota, Driver: driver, Dirs: DefaultDirCreator{}, Logger: logger}
}

// resolvePath implements §4.6's path selection: LOCAL joins trace_path
// with the channel's subdir and ensures it exists ("EEXIST is success");
// NETWORK leaves path resolution to the relay and sends only the subdir.
func (h *Handoff) resolvePath(tracePath string, consumer globalsession.Consumer, uid, gid uint32) (string, error) {
	if consumer.Kind == globalsession.ConsumerNetwork {
		return consumer.RelaySubdir, nil
	}
	full := tracePath + consumer.RelaySubdir
	if err := h.Dirs.MkdirAs(uid, gid, full, localDirMode|os.ModeDir); err != nil {
		return "", apperr.New("mkdir_as", apperr.CodeInvalid, err)
	}
	return full, nil
}

func buildAddChannelRequest(c *app.AppChannel, session *app.AppSession, path string, consumer globalsession.Consumer, wireType consumerproto.ChannelType) consumerproto.AddChannelRequest {
	return consumerproto.AddChannelRequest{
		ChannelKey:  c.Key,
		SessionID:   session.SessionID,
		Path:        path,
		UID:         session.UID,
		GID:         session.GID,
		NetSeqIndex: consumer.NetSeqIndex,
		Name:        c.Name,
		StreamCount: int(c.Attr.SubBufCount),
		OutputMode:  int(c.Attr.Output),
		ChannelType: wireType,
	}
}

// Send runs the full three-step handoff for a newly-allocated channel and
// mutates c in place: on success c.Obj is populated, c.IsSent is true,
// and the channel's pending streams have been handed to the application
// and dropped locally (§4.6). sendChannel/sendStream perform the
// "send channel to the application" / "send each stream to the
// application" part of step 3 over the tracer driver.
func (h *Handoff) Send(ctx context.Context, appSock ids.SocketID, session *app.AppSession, c *app.AppChannel, consumer globalsession.Consumer, wireType consumerproto.ChannelType) error {
	path, err := h.resolvePath(session.TracePath, consumer, session.UID, session.GID)
	if err != nil {
		return err
	}

	// Step 1: ask consumer to create the channel.
	resp, err := h.Client.AddChannel(ctx, buildAddChannelRequest(c, session, path, consumer, wireType))
	if err != nil {
		return fmt.Errorf("consumer handoff: AddChannel: %w", err)
	}
	c.ExpectedStreamCount = resp.ExpectedStreamCount

	// Step 2: reserve FD quota for the expected streams (DEFAULT_UST_STREAM_FD_NUM = 2).
	units := int64(consumerproto.DefaultUstStreamFdNum * resp.ExpectedStreamCount)
	if err := h.Quota.Reserve(units); err != nil {
		if derr := h.Client.DestroyChannel(ctx, c.Key); derr != nil {
			h.Logger.Warn("handoff: destroy channel after fd reservation failure", zap.Error(derr))
		}
		return apperr.New("reserve_fd", apperr.CodeNoMemory, err)
	}

	if err := h.finishHandoff(ctx, appSock, session, c, resp, false); err != nil {
		h.Quota.Release(units)
		if derr := h.Client.DestroyChannel(ctx, c.Key); derr != nil {
			h.Logger.Warn("handoff: destroy channel after finish failure", zap.Error(derr))
		}
		return err
	}
	return nil
}

// finishHandoff is step 3: get the channel from the consumer, send the
// channel to the application, send every stream to the application and
// drop it locally, then mark the channel sent and honour a pre-existing
// disabled state (§4.6).
func (h *Handoff) finishHandoff(ctx context.Context, appSock ids.SocketID, session *app.AppSession, c *app.AppChannel, resp consumerproto.AddChannelResponse, noMonitor bool) error {
	consumerHandle, err := h.Client.GetChannel(ctx, c.Key)
	if err != nil {
		return fmt.Errorf("consumer handoff: GetChannel: %w", err)
	}
	h.Logger.Debug("handoff: consumer channel resolved",
		zap.Uint64("channel_key", uint64(c.Key)), zap.Int64("consumer_handle", consumerHandle))

	sessionHandle := tracerdriver.HandleUnset
	if session.Handle != nil {
		sessionHandle = session.Handle.Handle()
	}
	channelHandle, err := h.Driver.CreateChannel(ctx, appSock, sessionHandle, c.Attr)
	if err != nil {
		return tracerdriver.Classify("create_channel", err)
	}
	c.Obj = tracerdriver.NewObjRef(h.Driver, appSock)
	c.Obj.Set(channelHandle)

	for _, sd := range resp.Streams {
		c.AppendStream(&app.Stream{CPU: sd.CPU, FD: sd.FD})
	}

	for _, st := range c.TakeStreams() {
		req := consumerproto.AddStreamRequest{
			ChannelKey: c.Key,
			StreamKey:  ids.ChannelKey(st.CPU),
			CPU:        st.CPU,
			NoMonitor:  noMonitor,
		}
		if err := h.Client.AddStream(ctx, req, st.FD); err != nil {
			return fmt.Errorf("consumer handoff: AddStream(cpu=%d): %w", st.CPU, err)
		}
		// The descriptor has been sent with SCM_RIGHTS-equivalent ancillary
		// semantics; the local copy is no longer needed (§4.6: "the handoff
		// never reuses a descriptor").
		_ = os.NewFile(uintptr(st.FD), "").Close()
	}

	c.IsSent = true
	if !c.Enabled {
		if err := h.Driver.Disable(ctx, appSock, channelHandle); err != nil {
			classified := tracerdriver.Classify("disable", err)
			if !apperr.IsAppVanished(classified) {
				return classified
			}
		}
	}
	return nil
}
