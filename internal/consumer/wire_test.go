package consumer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arc-self/trace-sessiond/internal/consumerproto"
	"github.com/arc-self/trace-sessiond/internal/ids"
)

func TestEncodeAddChannelRoundTripsFixedFields(t *testing.T) {
	req := consumerproto.AddChannelRequest{
		ChannelKey:  ids.ChannelKey(42),
		SessionID:   ids.SessionID(7),
		UID:         1000,
		GID:         1000,
		NetSeqIndex: 3,
		Path:        "relay/sub",
		Name:        "chan0",
		StreamCount: 4,
		OutputMode:  1,
		ChannelType: consumerproto.ChannelData,
	}

	buf := encodeAddChannel(req)

	assert.Equal(t, uint32(consumerproto.CmdAddChannel), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint64(req.ChannelKey), binary.LittleEndian.Uint64(buf[4:12]))
	assert.Equal(t, uint64(req.SessionID), binary.LittleEndian.Uint64(buf[12:20]))

	// Path and Name are length-prefixed and appended verbatim at the tail.
	assert.Contains(t, string(buf), req.Path)
	assert.Contains(t, string(buf), req.Name)
	assert.Len(t, buf, 4+8+8+8+4+4+8+4+4+4+8+8+len(req.Path)+len(req.Name))
}
