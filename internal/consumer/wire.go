package consumer

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

// UnixClient is the real consumer transport: a local control socket, with
// stream file descriptors passed as SCM_RIGHTS ancillary data exactly
// once per ADD_STREAM message (§4.6, §6 — "never reuses a descriptor").
type UnixClient struct {
	conn *net.UnixConn
}

// NewUnixClient wraps an already-connected consumer control socket.
func NewUnixClient(conn *net.UnixConn) *UnixClient {
	return &UnixClient{conn: conn}
}

// encodeAddChannel serialises an AddChannelRequest into a fixed-size
// control record. The exact byte order only needs to match this
// coordinator's own consumer, so a simple fixed-width little-endian
// encoding is used throughout.
func encodeAddChannel(req consumerproto.AddChannelRequest) []byte {
	buf := make([]byte, 4+8+8+8+4+4+8+4+4+4+8+8+len(req.Path)+len(req.Name))
	o := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[o:], v); o += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[o:], v); o += 8 }
	putStr := func(s string) {
		putU32(uint32(len(s)))
		copy(buf[o:], s)
		o += len(s)
	}

	putU32(uint32(consumerproto.CmdAddChannel))
	putU64(uint64(req.ChannelKey))
	putU64(uint64(req.SessionID))
	putU32(req.UID)
	putU32(req.GID)
	putU64(req.NetSeqIndex)
	putU32(uint32(req.StreamCount))
	putU32(uint32(req.OutputMode))
	putU32(uint32(req.ChannelType))
	putU64(req.TracefileSize)
	putU64(req.TracefileCount)
	putStr(req.Path)
	putStr(req.Name)
	return buf[:o]
}

// AddChannel sends ADD_CHANNEL and awaits the consumer's 8-byte reply, of
// which only the first four bytes (the expected stream count) are read.
// It receives no stream descriptors or file descriptors: the returned
// response always has an empty Streams list, so a handoff over this
// client sends no ADD_STREAM messages. The handoff tests exercise the
// stream path through the Client interface with a fake.
func (c *UnixClient) AddChannel(ctx context.Context, req consumerproto.AddChannelRequest) (consumerproto.AddChannelResponse, error) {
	payload := encodeAddChannel(req)
	if _, err := c.conn.Write(payload); err != nil {
		return consumerproto.AddChannelResponse{}, fmt.Errorf("consumer: ADD_CHANNEL write: %w", err)
	}
	reply := make([]byte, 8)
	if _, err := c.conn.Read(reply); err != nil {
		return consumerproto.AddChannelResponse{}, fmt.Errorf("consumer: ADD_CHANNEL reply: %w", err)
	}
	count := binary.LittleEndian.Uint32(reply[0:4])
	return consumerproto.AddChannelResponse{ExpectedStreamCount: int(count)}, nil
}

// AddStream writes the ADD_STREAM control record followed by exactly one
// ancillary file descriptor (SCM_RIGHTS), per §4.6/§6.
func (c *UnixClient) AddStream(ctx context.Context, req consumerproto.AddStreamRequest, fd int) error {
	buf := make([]byte, 4+8+8+4+1)
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], uint32(consumerproto.CmdAddStream))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(req.ChannelKey))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(req.StreamKey))
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(req.CPU))
	o += 4
	if req.NoMonitor {
		buf[o] = 1
	}
	o++

	rights := unix.UnixRights(fd)
	if _, _, err := c.conn.WriteMsgUnix(buf[:o], rights, nil); err != nil {
		return fmt.Errorf("consumer: ADD_STREAM sendmsg: %w", err)
	}
	return nil
}

// GetChannel retrieves the consumer-assigned handle for key.
func (c *UnixClient) GetChannel(ctx context.Context, key ids.ChannelKey) (int64, error) {
	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[0:], uint32(consumerproto.CmdGetChannel))
	binary.LittleEndian.PutUint64(req[4:], uint64(key))
	if _, err := c.conn.Write(req); err != nil {
		return 0, fmt.Errorf("consumer: GET_CHANNEL write: %w", err)
	}
	reply := make([]byte, 8)
	if _, err := c.conn.Read(reply); err != nil {
		return 0, fmt.Errorf("consumer: GET_CHANNEL reply: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(reply)), nil
}

// DestroyChannel tells the consumer to tear down key.
func (c *UnixClient) DestroyChannel(ctx context.Context, key ids.ChannelKey) error {
	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[0:], uint32(consumerproto.CmdDestroyChannel))
	binary.LittleEndian.PutUint64(req[4:], uint64(key))
	if _, err := c.conn.Write(req); err != nil {
		return fmt.Errorf("consumer: DESTROY_CHANNEL write: %w", err)
	}
	return nil
}
