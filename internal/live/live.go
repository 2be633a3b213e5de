// Package live opens duplex sessions against the Live conversational
// endpoint and adapts them to a small callback-driven Channel.
package live

import (
	"context"
	"strings"

	"github.com/antoniostano/voicedesk/internal/protocol"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	TransportWebSocket = "websocket"
	TransportGenAI     = "genai"
)

// Config selects the model, voice and instructions of one session.
type Config struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
}

// Handlers receive channel events. They run on the channel's reader
// goroutine and must not block. None is invoked once Close has been
// called.
type Handlers struct {
	// OnOpen fires once the endpoint acknowledged the session setup.
	OnOpen func()
	// OnMessage fires for every server message after OnOpen.
	OnMessage func(protocol.ServerMessage)
	// OnClose fires when the remote end closed the session.
	OnClose func(reason string)
	// OnError fires on a transport failure. At most one of OnClose and
	// OnError fires per channel.
	OnError func(error)
}

// Channel is an open duplex session.
type Channel interface {
	// Send streams one PCM16 16 kHz frame. It is best effort and never
	// blocks: frames sent before the session opened, after it closed or
	// while the outbound queue is full are dropped and Send reports false.
	Send(frame []byte) bool
	// Close ends the session. Closing an already closed channel is not an
	// error.
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Open(ctx context.Context, cfg Config, h Handlers) (Channel, error)
}

func (c Config) model() string {
	if m := strings.TrimSpace(c.Model); m != "" {
		return m
	}
	return DefaultModel
}

func (h Handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handlers) message(msg protocol.ServerMessage) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h Handlers) closed(reason string) {
	if h.OnClose != nil {
		h.OnClose(reason)
	}
}

func (h Handlers) failed(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}
