// Package eventbus publishes coordinator lifecycle events to NATS
// JetStream (§6 DOMAIN STACK [SUPPLEMENT]), adapted from
// packages/go-core/natsclient/{client,stream}.go. The original C sessiond
// has no such bus; every non-trivial coordinator in the teacher corpus
// fans out state transitions this way, and a second consumer (health
// monitor, relay-bridge) can watch these without coupling to the
// registry's internal locking.
package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamTraceControlEvents is the durable stream that captures every
// coordinator lifecycle event (mirrors the teacher's DOMAIN_EVENTS).
const StreamTraceControlEvents = "TRACE_CONTROL_EVENTS"

// SubjectTraceControlEvents captures every published lifecycle event.
const SubjectTraceControlEvents = "TRACE_CONTROL_EVENTS.>"

// Kind enumerates the lifecycle events the coordinator publishes.
type Kind string

const (
	AppRegistered   Kind = "AppRegistered"
	AppUnregistered Kind = "AppUnregistered"
	ChannelSent     Kind = "ChannelSent"
	SessionStarted  Kind = "SessionStarted"
	SessionStopped  Kind = "SessionStopped"
)

// Event is the envelope published for every lifecycle transition.
type Event struct {
	Kind      Kind   `json:"kind"`
	Pid       uint32 `json:"pid,omitempty"`
	SessionID uint64 `json:"session_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// Publisher wraps a NATS connection and its JetStream context.
type Publisher struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewPublisher connects to NATS and initialises a JetStream context.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Publisher{Conn: nc, JS: js, Log: logger}, nil
}

// ProvisionStream idempotently ensures the TRACE_CONTROL_EVENTS JetStream
// stream exists.
func (p *Publisher) ProvisionStream() error {
	_, err := p.JS.StreamInfo(StreamTraceControlEvents)
	if err == nil {
		p.Log.Info("NATS stream already exists", zap.String("stream", StreamTraceControlEvents))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamTraceControlEvents,
		Subjects:  []string{SubjectTraceControlEvents},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
	if _, err := p.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	p.Log.Info("NATS stream provisioned", zap.String("stream", StreamTraceControlEvents))
	return nil
}

// Publish marshals ev and publishes it under TRACE_CONTROL_EVENTS.<kind>.
func (p *Publisher) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", StreamTraceControlEvents, ev.Kind)
	if _, err := p.JS.Publish(subject, payload); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close drains and closes the underlying NATS connection, flushing
// pending publish acknowledgments before shutting down.
func (p *Publisher) Close() {
	if p.Conn == nil {
		return
	}
	if err := p.Conn.Drain(); err != nil {
		p.Conn.Close()
	}
}
