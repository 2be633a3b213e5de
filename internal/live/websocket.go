package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/policy"
	"github.com/antoniostano/voicedesk/internal/protocol"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

const (
	defaultQueueSize    = 64
	defaultPingInterval = 20 * time.Second
	writeTimeout        = 5 * time.Second
	closeGrace          = time.Second
)

// WebSocketDialer speaks BidiGenerateContent directly over a websocket.
type WebSocketDialer struct {
	URL          string
	Dialer       *websocket.Dialer
	QueueSize    int
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// NewWebSocketDialer returns a dialer for url, or DefaultURL when empty.
func NewWebSocketDialer(url string, logger zerolog.Logger) *WebSocketDialer {
	if strings.TrimSpace(url) == "" {
		url = DefaultURL
	}
	return &WebSocketDialer{
		URL:          url,
		Dialer:       websocket.DefaultDialer,
		QueueSize:    defaultQueueSize,
		PingInterval: defaultPingInterval,
		Logger:       logger,
	}
}

// Open dials the endpoint and sends the session setup. The returned
// channel reports OnOpen once the server acknowledges the setup.
func (d *WebSocketDialer) Open(ctx context.Context, cfg Config, h Handlers) (Channel, error) {
	const op = "live.open"
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, reliability.Configuration(op, errors.New("api key is empty"))
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	headers := http.Header{}
	headers.Set("x-goog-api-key", cfg.APIKey)

	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil && reliability.IsCredentialRejectedStatus(resp.StatusCode) {
			return nil, reliability.Transport(op, fmt.Errorf("credential rejected (status %d)", resp.StatusCode))
		}
		return nil, reliability.Transport(op, fmt.Errorf("dial live websocket: %w", err))
	}

	setup := protocol.NewSetupMessage(cfg.model(), cfg.Voice, cfg.SystemInstruction)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, reliability.Transport(op, fmt.Errorf("send setup: %w", err))
	}

	queue := d.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c := &wsChannel{
		conn:   conn,
		out:    make(chan []byte, queue),
		cancel: cancel,
		h:      h,
		log:    d.Logger.With().Str("component", "live").Str("transport", TransportWebSocket).Logger(),
	}
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.writeLoop(gctx, ping) })
	g.Go(func() error {
		// Unblocks the reader once either side has stopped.
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	go c.wait(g)
	return c, nil
}

type wsChannel struct {
	conn    *websocket.Conn
	out     chan []byte
	cancel  context.CancelFunc
	h       Handlers
	log     zerolog.Logger
	writeMu sync.Mutex

	opened    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	endOnce   sync.Once
}

// remoteClose ends the errgroup when the peer closes the session.
type remoteClose struct {
	code   int
	reason string
}

func (e *remoteClose) Error() string { return "remote closed: " + e.reason }

func closeReason(ce *websocket.CloseError) string {
	if ce.Text != "" {
		return ce.Text
	}
	return fmt.Sprintf("close code %d", ce.Code)
}

func (c *wsChannel) Send(frame []byte) bool {
	if !c.opened.Load() || c.closed.Load() {
		return false
	}
	payload, err := json.Marshal(protocol.NewAudioInput(audio.BytesToText(frame)))
	if err != nil {
		return false
	}
	select {
	case c.out <- payload:
		return true
	default:
		return false
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		// WriteControl may run concurrently with the writer goroutine.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(closeGrace))
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsChannel) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			// 1006 is a dropped connection, not a close handshake.
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				return &remoteClose{code: ce.Code, reason: closeReason(ce)}
			}
			return reliability.Transport("live.read", err)
		}
		if c.closed.Load() {
			return nil
		}

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping unparsable server message")
			continue
		}
		if msg.SetupComplete != nil {
			if c.opened.CompareAndSwap(false, true) {
				c.h.open()
			}
			continue
		}
		if !c.opened.Load() {
			c.log.Debug().Msg("dropping server message received before setup completed")
			continue
		}
		c.h.message(msg)
	}
}

func (c *wsChannel) writeLoop(ctx context.Context, pingEvery time.Duration) error {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-c.out:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				if c.closed.Load() {
					return nil
				}
				return reliability.Transport("live.write", err)
			}
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil && !c.closed.Load() {
				return reliability.Transport("live.ping", err)
			}
		}
	}
}

func (c *wsChannel) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, payload)
}

// wait reports how the session ended, unless the close was local.
func (c *wsChannel) wait(g *errgroup.Group) {
	err := g.Wait()
	c.cancel()
	_ = c.conn.Close()
	if c.closed.Load() {
		return
	}
	c.endOnce.Do(func() {
		var rc *remoteClose
		switch {
		case err == nil:
			c.h.closed("session ended")
		case errors.As(err, &rc):
			c.log.Info().
				Int("code", rc.code).
				Bool("retryable", reliability.IsRetryableCloseCode(rc.code)).
				Str("reason", policy.Redact(rc.reason)).
				Msg("live session closed by remote")
			c.h.closed(rc.reason)
		default:
			c.log.Error().Str("error", policy.Redact(err.Error())).Msg("live session failed")
			c.h.failed(err)
		}
	})
}
