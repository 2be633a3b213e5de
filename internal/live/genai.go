package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/policy"
	"github.com/antoniostano/voicedesk/internal/protocol"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

// GenAIDialer opens sessions through the official genai SDK Live client.
type GenAIDialer struct {
	BaseURL   string
	QueueSize int
	Logger    zerolog.Logger
}

func NewGenAIDialer(logger zerolog.Logger) *GenAIDialer {
	return &GenAIDialer{QueueSize: defaultQueueSize, Logger: logger}
}

func (d *GenAIDialer) Open(ctx context.Context, cfg Config, h Handlers) (Channel, error) {
	const op = "live.open"
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, reliability.Configuration(op, errors.New("api key is empty"))
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if d.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: d.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, reliability.Configuration(op, fmt.Errorf("create genai client: %w", err))
	}

	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}

	session, err := client.Live.Connect(ctx, cfg.model(), lc)
	if err != nil {
		return nil, reliability.Transport(op, fmt.Errorf("connect genai live: %w", err))
	}

	queue := d.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	c := &genaiChannel{
		session: session,
		out:     make(chan []byte, queue),
		stop:    make(chan struct{}),
		h:       h,
		log:     d.Logger.With().Str("component", "live").Str("transport", TransportGenAI).Logger(),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

type genaiChannel struct {
	session *genai.Session
	out     chan []byte
	stop    chan struct{}
	h       Handlers
	log     zerolog.Logger

	opened    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	endOnce   sync.Once
}

func (c *genaiChannel) Send(frame []byte) bool {
	if !c.opened.Load() || c.closed.Load() {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *genaiChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		_ = c.session.Close()
	})
	return nil
}

func (c *genaiChannel) writeLoop() {
	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.out:
			err := c.session.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{MIMEType: protocol.InputMIMEType, Data: frame},
			})
			if err != nil {
				c.end(err)
				return
			}
		}
	}
}

func (c *genaiChannel) readLoop() {
	for {
		msg, err := c.session.Receive()
		if err != nil {
			c.end(err)
			return
		}
		if c.closed.Load() {
			return
		}
		if msg == nil {
			continue
		}
		out := fromGenAI(msg)
		if out.SetupComplete != nil {
			if c.opened.CompareAndSwap(false, true) {
				c.h.open()
			}
			continue
		}
		if !c.opened.Load() {
			continue
		}
		c.h.message(out)
	}
}

// end reports how the session ended, once, and releases it. The SDK
// surfaces a remote close as the underlying websocket close error.
func (c *genaiChannel) end(err error) {
	if c.closed.Load() {
		return
	}
	c.endOnce.Do(func() {
		c.closeOnce.Do(func() {
			close(c.stop)
			_ = c.session.Close()
		})
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
			c.log.Info().
				Int("code", ce.Code).
				Bool("retryable", reliability.IsRetryableCloseCode(ce.Code)).
				Str("reason", policy.Redact(ce.Text)).
				Msg("live session closed by remote")
			c.h.closed(closeReason(ce))
			return
		}
		c.log.Error().Str("error", policy.Redact(err.Error())).Msg("live session failed")
		c.h.failed(reliability.Transport("live.genai", err))
	})
}

// fromGenAI converts an SDK message to the wire representation used by
// the rest of the client, re-encoding inline audio as base64.
func fromGenAI(m *genai.LiveServerMessage) protocol.ServerMessage {
	var out protocol.ServerMessage
	if m.SetupComplete != nil {
		out.SetupComplete = &protocol.SetupComplete{}
	}
	if sc := m.ServerContent; sc != nil {
		content := &protocol.ServerContent{
			Interrupted:        sc.Interrupted,
			TurnComplete:       sc.TurnComplete,
			GenerationComplete: sc.GenerationComplete,
		}
		if sc.ModelTurn != nil {
			turn := &protocol.Content{Role: sc.ModelTurn.Role}
			for _, p := range sc.ModelTurn.Parts {
				if p == nil {
					continue
				}
				part := protocol.Part{Text: p.Text}
				if p.InlineData != nil {
					part.InlineData = &protocol.InlineData{
						MimeType: p.InlineData.MIMEType,
						Data:     audio.BytesToText(p.InlineData.Data),
					}
				}
				turn.Parts = append(turn.Parts, part)
			}
			content.ModelTurn = turn
		}
		out.ServerContent = content
	}
	if m.GoAway != nil {
		out.GoAway = &protocol.GoAway{TimeLeft: fmt.Sprint(m.GoAway.TimeLeft)}
	}
	return out
}
