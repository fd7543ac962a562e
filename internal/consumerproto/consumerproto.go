// Package consumerproto defines the abstract wire layout of the two
// control messages the coordinator sends to a consumer daemon (§6):
// ADD_CHANNEL and ADD_STREAM. The exact byte order is a transport
// concern handled by the consumer package's wire codec; this package
// only fixes the field set.
package consumerproto

import "github.com/arc-self/trace-sessiond/internal/ids"

// DefaultUstStreamFdNum is the number of FD quota units reserved per
// expected stream at handoff time (§4.6, §6).
const DefaultUstStreamFdNum = 2

// DefaultMetadataName is the synthesized metadata channel's name (§6).
const DefaultMetadataName = "metadata"

// ChannelType distinguishes a data channel from the metadata channel on
// the wire (§6).
type ChannelType int

const (
	ChannelData ChannelType = iota
	ChannelMetadata
)

// Command tags a consumer control message.
type Command int

const (
	CmdAddChannel Command = iota
	CmdAddStream
	CmdGetChannel
	CmdDestroyChannel
)

// AddChannelRequest is the ADD_CHANNEL control record (§6).
type AddChannelRequest struct {
	Cmd            Command
	ChannelKey     ids.ChannelKey
	SessionID      ids.SessionID
	Path           string
	UID            uint32
	GID            uint32
	NetSeqIndex    uint64
	Name           string
	StreamCount    int
	OutputMode     int
	ChannelType    ChannelType
	TracefileSize  uint64
	TracefileCount uint64
}

// AddChannelResponse is what the consumer hands back after creating the
// channel: how many streams to expect and their descriptors.
type AddChannelResponse struct {
	ExpectedStreamCount int
	Streams             []StreamDescriptor
}

// StreamDescriptor is one stream handed back by ADD_CHANNEL, with its
// file descriptor already attached out-of-band.
type StreamDescriptor struct {
	StreamKey ids.ChannelKey
	CPU       int
	FD        int
}

// AddStreamRequest is the ADD_STREAM control record (§6): fixed fields
// plus exactly one ancillary descriptor per control message.
type AddStreamRequest struct {
	Cmd        Command
	ChannelKey ids.ChannelKey
	StreamKey  ids.ChannelKey
	CPU        int
	NoMonitor  bool
}
