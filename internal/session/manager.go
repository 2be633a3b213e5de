// Package session owns the lifecycle of one duplex voice session: device
// acquisition, the live channel, capture, playback and teardown. All state
// transitions happen on a single event loop; device and channel callbacks
// only post events into it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicedesk/internal/activity"
	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/capture"
	"github.com/antoniostano/voicedesk/internal/live"
	"github.com/antoniostano/voicedesk/internal/observability"
	"github.com/antoniostano/voicedesk/internal/persona"
	"github.com/antoniostano/voicedesk/internal/playback"
	"github.com/antoniostano/voicedesk/internal/policy"
	"github.com/antoniostano/voicedesk/internal/protocol"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

// maxEarlyMessages bounds what is held while the channel is acknowledged
// but the playback graph is not stored yet.
const maxEarlyMessages = 64

var (
	ErrClosed = errors.New("session manager closed")
	// ErrCancelled is returned by Connect when Disconnect aborts it.
	ErrCancelled = fmt.Errorf("connect cancelled: %w", context.Canceled)
)

type (
	connectEvent struct {
		persona persona.Persona
		reply   chan error
	}
	disconnectEvent struct {
		reply chan struct{}
	}
	acquiredEvent struct {
		id  uuid.UUID
		res *resources
	}
	acquireFailedEvent struct {
		id  uuid.UUID
		err error
	}
	openEvent struct {
		id uuid.UUID
	}
	messageEvent struct {
		id  uuid.UUID
		msg protocol.ServerMessage
	}
	closeEvent struct {
		id     uuid.UUID
		reason string
	}
	errorEvent struct {
		id  uuid.UUID
		err error
	}
	timeoutEvent struct {
		id uuid.UUID
	}
)

// resources are the handles one session owns exclusively.
type resources struct {
	mic       audio.Microphone
	speaker   audio.Speaker
	input     *audio.Analyser
	output    *audio.Analyser
	scheduler *playback.Scheduler
	channel   live.Channel
	capture   *capture.Pipeline
	monitor   *activity.Monitor
}

type session struct {
	id          uuid.UUID
	persona     persona.Persona
	cancel      context.CancelFunc
	timer       *time.Timer
	res         *resources
	opened      bool
	connected   bool
	heardAudio  bool
	// early holds messages that arrived before the resources did.
	early       []protocol.ServerMessage
	waiters     []chan error
	startedAt   time.Time
	connectedAt time.Time
	log         zerolog.Logger
}

// Manager runs at most one session at a time.
type Manager struct {
	cfg     Config
	devices audio.Devices
	dialer  live.Dialer
	cb      Callbacks
	log     zerolog.Logger
	metrics *observability.Metrics

	events    chan any
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	acquiring sync.WaitGroup

	mu      sync.RWMutex
	state   State
	current string

	// Owned by the event loop.
	cur *session
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "session").Logger() }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.cb = cb }
}

// NewManager starts the event loop. Close stops it.
func NewManager(cfg Config, devices audio.Devices, dialer live.Dialer, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		devices: devices,
		dialer:  dialer,
		log:     zerolog.Nop(),
		events:  make(chan any, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observability.NewMetrics("voicedesk", prometheus.NewRegistry())
	}
	go m.run()
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SessionID of the active session, empty when idle.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connect starts a session with persona p and waits until it is connected
// or has failed. It is a no-op returning nil when a session already exists.
// Cancelling ctx while connecting disconnects.
func (m *Manager) Connect(ctx context.Context, p persona.Persona) error {
	reply := make(chan error, 1)
	if !m.send(connectEvent{persona: p, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		select {
		case err := <-reply:
			return err
		default:
		}
		m.Disconnect()
		return ctx.Err()
	}
}

// Disconnect tears the session down and waits for teardown to finish. It
// is a no-op when idle.
func (m *Manager) Disconnect() {
	reply := make(chan struct{})
	if !m.send(disconnectEvent{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

// Close disconnects and stops the event loop. Safe to call repeatedly.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Disconnect()
		close(m.quit)
		<-m.done
	})
}

// send delivers a request from a caller goroutine.
func (m *Manager) send(ev any) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	}
}

// post delivers an event from a device or channel goroutine.
func (m *Manager) post(ev any) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

// shutdown releases anything still owned and drains events until every
// acquisition goroutine has reported back.
func (m *Manager) shutdown() {
	if m.cur != nil {
		m.abort(m.cur, ErrClosed)
	}
	idle := make(chan struct{})
	go func() {
		m.acquiring.Wait()
		close(idle)
	}()
	for {
		select {
		case ev := <-m.events:
			m.discard(ev)
		case <-idle:
			for {
				select {
				case ev := <-m.events:
					m.discard(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) discard(ev any) {
	switch ev := ev.(type) {
	case acquiredEvent:
		m.release(ev.res)
	case connectEvent:
		ev.reply <- ErrClosed
	case disconnectEvent:
		close(ev.reply)
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case connectEvent:
		m.handleConnect(ev)
	case disconnectEvent:
		m.handleDisconnect()
		close(ev.reply)
	case acquiredEvent:
		m.handleAcquired(ev)
	case acquireFailedEvent:
		if s := m.session(ev.id); s != nil && !s.connected {
			m.fail(s, ev.err)
		}
	case openEvent:
		m.handleOpen(ev)
	case messageEvent:
		m.handleMessage(ev)
	case closeEvent:
		m.handleClose(ev)
	case errorEvent:
		m.handleError(ev)
	case timeoutEvent:
		if s := m.session(ev.id); s != nil && !s.connected {
			m.fail(s, reliability.Transport("session.connect",
				fmt.Errorf("not connected after %s: %w", m.cfg.ConnectTimeout, context.DeadlineExceeded)))
		}
	}
}

// session returns the current session if id still names it.
func (m *Manager) session(id uuid.UUID) *session {
	if m.cur == nil || m.cur.id != id {
		return nil
	}
	return m.cur
}

func (m *Manager) handleConnect(ev connectEvent) {
	if m.cur != nil {
		m.log.Debug().Str("state", string(m.State())).Msg("connect ignored: session already active")
		ev.reply <- nil
		return
	}

	const op = "session.connect"
	prof, ok := ev.persona.Profile()
	if !ok {
		err := reliability.Configuration(op, fmt.Errorf("%w: %q", persona.ErrUnknown, ev.persona))
		m.rejectConnect(ev, err)
		return
	}
	if strings.TrimSpace(m.cfg.APIKey) == "" {
		m.rejectConnect(ev, reliability.Configuration(op, errors.New("api key is not configured")))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.New(),
		persona:   ev.persona,
		cancel:    cancel,
		waiters:   []chan error{ev.reply},
		startedAt: time.Now(),
	}
	s.log = m.log.With().Str("session_id", s.id.String()).Str("persona", string(ev.persona)).Logger()
	m.cur = s
	m.metrics.SessionEvents.WithLabelValues("connect").Inc()
	m.metrics.BeginCall(s.id.String(), string(s.persona))
	m.setState(StateConnecting, s.id.String())

	if m.cfg.ConnectTimeout > 0 {
		id := s.id
		s.timer = time.AfterFunc(m.cfg.ConnectTimeout, func() { m.post(timeoutEvent{id: id}) })
	}

	m.acquiring.Add(1)
	go func() {
		defer m.acquiring.Done()
		res, err := m.acquire(ctx, s.id, prof)
		if err != nil {
			m.post(acquireFailedEvent{id: s.id, err: err})
			return
		}
		if !m.post(acquiredEvent{id: s.id, res: res}) {
			m.release(res)
		}
	}()
}

// rejectConnect fails a connect request before anything was acquired; the
// state stays Idle.
func (m *Manager) rejectConnect(ev connectEvent, err error) {
	m.log.Warn().Err(err).Msg("connect rejected")
	m.metrics.SessionErrors.WithLabelValues(string(reliability.KindOf(err))).Inc()
	m.reportError(err)
	ev.reply <- err
}

// acquire runs off the loop: microphone, output clock, playback graph,
// then the channel. On failure everything acquired so far is released.
func (m *Manager) acquire(ctx context.Context, id uuid.UUID, prof persona.Profile) (*resources, error) {
	res := &resources{}

	mic, err := m.devices.OpenMicrophone(ctx, m.cfg.InputSampleRate)
	if err != nil {
		return nil, reliability.Classify(reliability.KindPermission, "session.microphone", err)
	}
	res.mic = mic
	if err := ctx.Err(); err != nil {
		m.release(res)
		return nil, err
	}

	speaker, err := m.devices.OpenSpeaker(ctx, m.cfg.OutputSampleRate)
	if err != nil {
		m.release(res)
		return nil, reliability.Classify(reliability.KindTransport, "session.speaker", err)
	}
	res.speaker = speaker

	res.input = audio.NewAnalyser(m.cfg.FFTSize)
	res.output = audio.NewAnalyser(m.cfg.FFTSize)
	completed := m.metrics.AudioFrames.WithLabelValues("playback", "completed")
	res.scheduler = playback.NewScheduler(speaker.SampleRate(),
		playback.WithAnalyser(res.output),
		playback.WithGain(m.cfg.OutputGain),
		playback.WithEndedHook(func(*playback.Source) { completed.Inc() }),
	)
	// The output clock runs from here on, rendering silence until audio
	// is scheduled.
	if err := speaker.Start(res.scheduler.Render); err != nil {
		m.release(res)
		return nil, reliability.Classify(reliability.KindTransport, "session.speaker", err)
	}
	if err := ctx.Err(); err != nil {
		m.release(res)
		return nil, err
	}

	ch, err := m.dialer.Open(ctx, live.Config{
		APIKey:            m.cfg.APIKey,
		Model:             m.cfg.Model,
		Voice:             prof.Voice,
		SystemInstruction: prof.SystemInstruction,
	}, m.handlers(id))
	if err != nil {
		m.release(res)
		return nil, reliability.Classify(reliability.KindTransport, "session.open", err)
	}
	res.channel = ch
	return res, nil
}

func (m *Manager) handlers(id uuid.UUID) live.Handlers {
	return live.Handlers{
		OnOpen:    func() { m.post(openEvent{id: id}) },
		OnMessage: func(msg protocol.ServerMessage) { m.post(messageEvent{id: id, msg: msg}) },
		OnClose:   func(reason string) { m.post(closeEvent{id: id, reason: reason}) },
		OnError:   func(err error) { m.post(errorEvent{id: id, err: err}) },
	}
}

func (m *Manager) handleAcquired(ev acquiredEvent) {
	s := m.session(ev.id)
	if s == nil || s.connected {
		m.release(ev.res)
		return
	}
	s.res = ev.res
	if s.opened {
		m.enterConnected(s)
		m.replayEarly(s)
	}
}

func (m *Manager) handleOpen(ev openEvent) {
	s := m.session(ev.id)
	if s == nil || s.connected {
		return
	}
	s.opened = true
	// The channel can acknowledge setup before Open has returned.
	if s.res != nil {
		m.enterConnected(s)
		m.replayEarly(s)
	}
}

// replayEarly processes held messages in arrival order once connected.
func (m *Manager) replayEarly(s *session) {
	early := s.early
	s.early = nil
	for _, msg := range early {
		if m.cur != s || !s.connected {
			return
		}
		m.process(s, msg)
	}
}

func (m *Manager) enterConnected(s *session) {
	res := s.res
	id := s.id
	res.capture = capture.New(res.mic, m.cfg.FrameSize, m.sink(res.channel),
		capture.WithAnalyser(res.input),
		capture.WithErrorHandler(func(err error) {
			m.post(errorEvent{id: id, err: reliability.Classify(reliability.KindPermission, "session.capture", err)})
		}),
	)
	if err := res.capture.Start(); err != nil {
		m.fail(s, reliability.Classify(reliability.KindPermission, "session.capture", err))
		return
	}

	meter := res.input
	if m.cfg.ActivitySource == ActivityOutput {
		meter = res.output
	}
	res.monitor = activity.NewMonitor(meter, m.cfg.ActivityInterval, m.cb.OnActivity)
	res.monitor.Start(context.Background())

	if s.timer != nil {
		s.timer.Stop()
	}
	s.connected = true
	s.connectedAt = time.Now()
	m.metrics.ObserveConnectLatency(s.id.String(), s.connectedAt.Sub(s.startedAt))
	m.metrics.ActiveSessions.Inc()
	m.metrics.SessionEvents.WithLabelValues("connected").Inc()
	s.log.Info().Dur("connect_latency", s.connectedAt.Sub(s.startedAt)).Msg("session connected")

	m.setState(StateConnected, s.id.String())
	for _, w := range s.waiters {
		w <- nil
	}
	s.waiters = nil
}

func (m *Manager) sink(ch live.Channel) capture.Sink {
	sent := m.metrics.AudioFrames.WithLabelValues("capture", "sent")
	dropped := m.metrics.AudioFrames.WithLabelValues("capture", "dropped")
	return func(frame []byte) bool {
		if ch.Send(frame) {
			sent.Inc()
			return true
		}
		dropped.Inc()
		return false
	}
}

// handleMessage processes one server message completely: the interruption
// flush first, then every audio fragment in order.
func (m *Manager) handleMessage(ev messageEvent) {
	s := m.session(ev.id)
	if s == nil {
		return
	}
	if s.res == nil || !s.connected {
		if ev.msg.Terminal() {
			m.fail(s, reliability.Transport("session.open", errors.New("server ended the session during setup")))
			return
		}
		if len(s.early) >= maxEarlyMessages {
			m.metrics.LiveMessages.WithLabelValues("inbound", "dropped").Inc()
			s.log.Debug().Str("type", messageType(ev.msg)).Msg("dropping message received before the session was ready")
			return
		}
		s.early = append(s.early, ev.msg)
		return
	}
	m.process(s, ev.msg)
}

func (m *Manager) process(s *session, msg protocol.ServerMessage) {
	sched := s.res.scheduler
	m.metrics.LiveMessages.WithLabelValues("inbound", messageType(msg)).Inc()

	if msg.Interrupted() {
		start := time.Now()
		stopped := sched.Flush()
		m.metrics.ObserveInterruption(s.id.String(), time.Since(start))
		s.log.Debug().Int("stopped", stopped).Msg("playback flushed on interruption")
	}

	for _, fragment := range msg.AudioFragments() {
		buf, err := decodeFragment(fragment, sched.SampleRate())
		if err != nil {
			m.metrics.AudioFrames.WithLabelValues("playback", "decode_error").Inc()
			m.metrics.SessionErrors.WithLabelValues(string(reliability.KindDecode)).Inc()
			s.log.Warn().Err(err).Msg("dropping undecodable audio fragment")
			m.reportError(err)
			continue
		}
		if _, err := sched.Schedule(buf); err != nil {
			s.log.Warn().Err(err).Msg("scheduling audio fragment")
			continue
		}
		m.metrics.AudioFrames.WithLabelValues("playback", "scheduled").Inc()
		if s.connected && !s.heardAudio {
			s.heardAudio = true
			m.metrics.ObserveFirstAudioLatency(s.id.String(), time.Since(s.connectedAt))
		}
	}

	if msg.Terminal() {
		s.log.Info().Str("time_left", msg.GoAway.TimeLeft).Msg("server is ending the session")
		m.end(s, nil)
	}
}

func decodeFragment(fragment string, rate int) (*audio.Buffer, error) {
	raw, err := audio.TextToBytes(fragment)
	if err != nil {
		return nil, err
	}
	return audio.DecodePCM16(raw, audio.OutputSampleRate, rate)
}

func (m *Manager) handleClose(ev closeEvent) {
	s := m.session(ev.id)
	if s == nil {
		return
	}
	if !s.connected {
		m.fail(s, reliability.Transport("session.open", fmt.Errorf("channel closed before the session opened: %s", ev.reason)))
		return
	}
	s.log.Info().Str("reason", policy.Redact(ev.reason)).Msg("channel closed by remote")
	m.end(s, nil)
}

func (m *Manager) handleError(ev errorEvent) {
	s := m.session(ev.id)
	if s == nil {
		return
	}
	err := reliability.Classify(reliability.KindTransport, "session.channel", ev.err)
	if !s.connected {
		m.fail(s, err)
		return
	}
	m.end(s, err)
}

func (m *Manager) handleDisconnect() {
	s := m.cur
	if s == nil {
		return
	}
	s.log.Info().Msg("disconnect requested")
	if s.connected {
		m.end(s, nil)
		return
	}
	m.abort(s, ErrCancelled)
}

// fail is Connecting -> Failed -> Idle.
func (m *Manager) fail(s *session, err error) {
	m.setState(StateFailed, s.id.String())
	m.metrics.SessionEvents.WithLabelValues("failed").Inc()
	m.metrics.SessionErrors.WithLabelValues(string(reliability.KindOf(err))).Inc()
	s.log.Error().Err(err).Msg("session failed")
	m.metrics.EndCall(s.id.String(), observability.OutcomeFailed)
	m.reportError(err)
	m.teardown(s)
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
	m.setState(StateIdle, "")
}

// end is Connected -> Disconnecting -> Idle. cause is nil for a clean
// disconnect or remote close.
func (m *Manager) end(s *session, cause error) {
	m.setState(StateDisconnecting, s.id.String())
	if cause != nil {
		m.metrics.SessionErrors.WithLabelValues(string(reliability.KindOf(cause))).Inc()
		s.log.Error().Err(cause).Msg("session ended by error")
		m.reportError(cause)
	}
	m.teardown(s)
	m.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	outcome := observability.OutcomeCompleted
	if cause != nil {
		outcome = observability.OutcomeFailed
	}
	m.metrics.EndCall(s.id.String(), outcome)
	m.setState(StateIdle, "")
	if m.cb.OnDisconnect != nil {
		m.cb.OnDisconnect()
	}
}

// abort cancels a session that never connected.
func (m *Manager) abort(s *session, err error) {
	if s.connected {
		m.end(s, nil)
		return
	}
	m.setState(StateDisconnecting, s.id.String())
	m.teardown(s)
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
	m.metrics.SessionEvents.WithLabelValues("cancelled").Inc()
	m.metrics.EndCall(s.id.String(), observability.OutcomeCancelled)
	m.setState(StateIdle, "")
	if m.cb.OnDisconnect != nil {
		m.cb.OnDisconnect()
	}
}

// teardown releases the session's handles exactly once and forgets it.
// Resources still being acquired are released when they arrive.
func (m *Manager) teardown(s *session) {
	s.cancel()
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.res != nil {
		m.release(s.res)
		s.res = nil
	}
	if s.connected {
		m.metrics.ActiveSessions.Dec()
	}
	if m.cur == s {
		m.cur = nil
	}
}

// release stops everything in dependency-reverse order. Each handle is
// cleared after its release so a second call is a no-op.
func (m *Manager) release(res *resources) {
	if res == nil {
		return
	}
	if res.capture != nil {
		// The pipeline owns the microphone track from Start on.
		res.capture.Stop()
		res.capture = nil
		res.mic = nil
	}
	if res.monitor != nil {
		res.monitor.Stop()
		res.monitor = nil
	}
	if res.scheduler != nil {
		res.scheduler.Teardown()
		res.scheduler = nil
	}
	if res.channel != nil {
		if err := res.channel.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing channel")
		}
		res.channel = nil
	}
	if res.mic != nil {
		if err := res.mic.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing microphone")
		}
		res.mic = nil
	}
	if res.speaker != nil {
		if err := res.speaker.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing speaker")
		}
		res.speaker = nil
	}
}

func (m *Manager) setState(st State, sessionID string) {
	m.mu.Lock()
	m.state = st
	m.current = sessionID
	m.mu.Unlock()
	if m.cb.OnStateChange != nil {
		m.cb.OnStateChange(st)
	}
}

func (m *Manager) reportError(err error) {
	if m.cb.OnError != nil {
		m.cb.OnError(err)
	}
}

func messageType(msg protocol.ServerMessage) string {
	switch {
	case msg.GoAway != nil:
		return "go_away"
	case msg.Interrupted():
		return "interrupted"
	case len(msg.AudioFragments()) > 0:
		return "audio"
	case msg.ServerContent != nil && msg.ServerContent.TurnComplete:
		return "turn_complete"
	case msg.UsageMetadata != nil:
		return "usage"
	default:
		return "other"
	}
}
