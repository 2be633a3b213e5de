package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/protocol"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

// fakeLive is a scripted BidiGenerateContent endpoint.
type fakeLive struct {
	upgrader websocket.Upgrader
	setup    chan protocol.SetupMessage
	inputs   chan protocol.RealtimeInputMessage
	conns    chan *websocket.Conn
	apiKey   string
}

func newFakeLive(t *testing.T) (*fakeLive, *httptest.Server) {
	f := &fakeLive{
		setup:  make(chan protocol.SetupMessage, 1),
		inputs: make(chan protocol.RealtimeInputMessage, 16),
		conns:  make(chan *websocket.Conn, 1),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeLive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-goog-api-key") == "" {
		http.Error(w, "missing key", http.StatusUnauthorized)
		return
	}
	f.apiKey = r.Header.Get("x-goog-api-key")
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var setup protocol.SetupMessage
	if err := conn.ReadJSON(&setup); err != nil {
		return
	}
	f.setup <- setup
	f.conns <- conn
	for {
		var in protocol.RealtimeInputMessage
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		f.inputs <- in
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	opened   chan struct{}
	messages chan protocol.ServerMessage
	closes   chan string
	errs     chan error
	once     sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}),
		messages: make(chan protocol.ServerMessage, 16),
		closes:   make(chan string, 1),
		errs:     make(chan error, 1),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnOpen:    func() { r.once.Do(func() { close(r.opened) }) },
		OnMessage: func(m protocol.ServerMessage) { r.messages <- m },
		OnClose:   func(reason string) { r.closes <- reason },
		OnError:   func(err error) { r.errs <- err },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func openTestChannel(t *testing.T, f *fakeLive, srv *httptest.Server, rec *recorder) (Channel, *websocket.Conn) {
	t.Helper()
	d := NewWebSocketDialer(wsURL(srv), zerolog.Nop())
	ch, err := d.Open(context.Background(), Config{APIKey: "k-123", Voice: "Kore", SystemInstruction: "Sei Sara."}, rec.handlers())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	setup := waitFor(t, f.setup)
	assert.Equal(t, "models/"+DefaultModel, setup.Setup.Model)
	assert.Equal(t, "Kore", setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.Equal(t, "k-123", f.apiKey)
	return ch, waitFor(t, f.conns)
}

func TestWebSocketOpenRequiresKey(t *testing.T) {
	d := NewWebSocketDialer("ws://127.0.0.1:1", zerolog.Nop())
	_, err := d.Open(context.Background(), Config{APIKey: "  "}, Handlers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, reliability.ErrConfiguration)
}

func TestWebSocketOpenRejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewWebSocketDialer(wsURL(srv), zerolog.Nop())
	_, err := d.Open(context.Background(), Config{APIKey: "nope"}, Handlers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, reliability.ErrTransport)
	assert.Contains(t, err.Error(), "credential rejected")
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	f, srv := newFakeLive(t)
	rec := newRecorder()
	ch, conn := openTestChannel(t, f, srv, rec)

	// Not yet acknowledged: dropped silently.
	assert.False(t, ch.Send([]byte{1, 2}))
	select {
	case in := <-f.inputs:
		require.Failf(t, "unexpected input before open", "%+v", in)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}))
	waitFor(t, rec.opened)

	frame := audio.EncodePCM16([]float32{0.25, -0.25})
	assert.True(t, ch.Send(frame))
	in := waitFor(t, f.inputs)
	require.Len(t, in.RealtimeInput.MediaChunks, 1)
	assert.Equal(t, protocol.InputMIMEType, in.RealtimeInput.MediaChunks[0].MimeType)
	assert.Equal(t, audio.BytesToText(frame), in.RealtimeInput.MediaChunks[0].Data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}}]}}}`)))
	msg := waitFor(t, rec.messages)
	assert.Equal(t, []string{"AAAA"}, msg.AudioFragments())

	// Garbage is dropped without ending the session.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{{`)))
	require.NoError(t, conn.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}}))
	msg = waitFor(t, rec.messages)
	assert.True(t, msg.Interrupted())

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.False(t, ch.Send(frame))

	select {
	case reason := <-rec.closes:
		require.Failf(t, "OnClose after local close", "%q", reason)
	case err := <-rec.errs:
		require.Failf(t, "OnError after local close", "%v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketRemoteClose(t *testing.T) {
	f, srv := newFakeLive(t)
	rec := newRecorder()
	_, conn := openTestChannel(t, f, srv, rec)

	require.NoError(t, conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}))
	waitFor(t, rec.opened)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session expired")))
	assert.Equal(t, "session expired", waitFor(t, rec.closes))
	select {
	case err := <-rec.errs:
		require.Failf(t, "unexpected OnError", "%v", err)
	default:
	}
}

func TestWebSocketTransportFailure(t *testing.T) {
	f, srv := newFakeLive(t)
	rec := newRecorder()
	_, conn := openTestChannel(t, f, srv, rec)

	require.NoError(t, conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}))
	waitFor(t, rec.opened)

	// Drop the TCP connection without a close frame.
	require.NoError(t, conn.UnderlyingConn().Close())
	err := waitFor(t, rec.errs)
	assert.ErrorIs(t, err, reliability.ErrTransport)
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	c := &wsChannel{out: make(chan []byte, 1)}
	c.opened.Store(true)
	assert.True(t, c.Send([]byte{0, 0}))
	assert.False(t, c.Send([]byte{0, 0}))
	assert.False(t, c.Send([]byte{0, 0}))

	var payload protocol.RealtimeInputMessage
	require.NoError(t, json.Unmarshal(<-c.out, &payload))
	assert.Equal(t, "AAA=", payload.RealtimeInput.MediaChunks[0].Data)
}
