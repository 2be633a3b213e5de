package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/config"
	"github.com/antoniostano/voicedesk/internal/credential"
	"github.com/antoniostano/voicedesk/internal/device/portaudio"
	"github.com/antoniostano/voicedesk/internal/device/wavfile"
	"github.com/antoniostano/voicedesk/internal/httpapi"
	"github.com/antoniostano/voicedesk/internal/live"
	"github.com/antoniostano/voicedesk/internal/observability"
	"github.com/antoniostano/voicedesk/internal/persona"
	"github.com/antoniostano/voicedesk/internal/policy"
	"github.com/antoniostano/voicedesk/internal/reliability"
	"github.com/antoniostano/voicedesk/internal/session"
)

const meterWidth = 24

type options struct {
	persona   persona.Persona
	device    string
	input     string
	output    string
	loop      bool
	duration  time.Duration
	transport string
	quiet     bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(2)
	}
	opts, err := parseFlags(os.Args[1:], cfg)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(2)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %s (%s)\n", reliability.UserMessage(err), policy.Redact(err.Error()))
		os.Exit(1)
	}
}

func parseFlags(args []string, cfg config.Config) (options, error) {
	var opts options
	var personaID string

	fs := flag.NewFlagSet("voicecall", flag.ContinueOnError)
	fs.StringVar(&personaID, "persona", string(persona.FrontDesk), "persona to call (FRONT_DESK or EMERGENCY)")
	fs.StringVar(&opts.device, "device", cfg.AudioDevice, "audio device: auto, portaudio or wavfile")
	fs.StringVar(&opts.input, "input", cfg.AudioInputFile, "WAV file played as microphone input")
	fs.StringVar(&opts.output, "output", cfg.AudioOutputFile, "WAV file recording the agent's audio")
	fs.BoolVar(&opts.loop, "loop", false, "restart the input file at EOF")
	fs.DurationVar(&opts.duration, "duration", 0, "hang up after this long (0 waits for Ctrl-C or remote close)")
	fs.StringVar(&opts.transport, "transport", cfg.LiveTransport, "live transport: websocket or genai")
	fs.BoolVar(&opts.quiet, "quiet", false, "do not draw the activity meter")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	p, err := persona.Parse(personaID)
	if err != nil {
		return options{}, err
	}
	opts.persona = p

	opts.transport = strings.ToLower(strings.TrimSpace(opts.transport))
	if opts.transport != live.TransportWebSocket && opts.transport != live.TransportGenAI {
		return options{}, fmt.Errorf("transport must be %s or %s", live.TransportWebSocket, live.TransportGenAI)
	}
	if opts.duration < 0 {
		return options{}, fmt.Errorf("duration must be >= 0")
	}
	opts.device, err = resolveDevice(strings.ToLower(strings.TrimSpace(opts.device)), opts.input, portaudio.Available)
	if err != nil {
		return options{}, err
	}
	return opts, nil
}

// resolveDevice turns "auto" into a concrete backend: the sound card when
// the binary has PortAudio, otherwise the input file.
func resolveDevice(device, input string, soundCard bool) (string, error) {
	switch device {
	case config.DeviceAuto:
		if soundCard {
			return config.DevicePortAudio, nil
		}
		if input != "" {
			return config.DeviceWAVFile, nil
		}
		return "", fmt.Errorf("no audio device: pass -input or rebuild with -tags portaudio")
	case config.DevicePortAudio:
		if !soundCard {
			return "", portaudio.ErrUnavailable
		}
		return device, nil
	case config.DeviceWAVFile:
		if input == "" {
			return "", fmt.Errorf("device wavfile needs -input")
		}
		return device, nil
	default:
		return "", fmt.Errorf("device must be auto, portaudio or wavfile")
	}
}

func run(opts options, cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: httpapi.TelemetryRouter(metrics, reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("telemetry listener failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	resolver := &credential.Resolver{
		URL:      cfg.CredentialURL,
		LocalKey: cfg.GeminiAPIKey,
		Logger:   logger,
		Metrics:  metrics,
	}
	key, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	devices, closeDevices, err := openDevices(opts, logger)
	if err != nil {
		return err
	}
	defer closeDevices()

	hungUp := make(chan struct{})
	var hangUpOnce sync.Once
	meter := newMeter(os.Stdout, opts.quiet)

	manager := session.NewManager(session.Config{
		APIKey:           key,
		Model:            cfg.GeminiModel,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		FrameSize:        cfg.CaptureFrameSize,
		FFTSize:          cfg.AnalyserFFTSize,
		ActivitySource:   cfg.ActivitySource,
		ActivityInterval: cfg.ActivityInterval,
		OutputGain:       float32(cfg.OutputGain),
		ConnectTimeout:   cfg.ConnectTimeout,
	}, devices, newDialer(opts.transport, cfg, logger),
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithCallbacks(session.Callbacks{
			OnStateChange: meter.state,
			OnError: func(err error) {
				meter.clear()
				logger.Warn().
					Str("kind", string(reliability.KindOf(err))).
					Str("error", policy.Redact(err.Error())).
					Msg(reliability.UserMessage(err))
			},
			OnDisconnect: func() { hangUpOnce.Do(func() { close(hungUp) }) },
			OnActivity:   meter.level,
		}),
	)
	defer manager.Close()

	if err := manager.Connect(ctx, opts.persona); err != nil {
		return err
	}
	logger.Info().Str("session_id", manager.SessionID()).Str("persona", opts.persona.String()).Msg("call connected")

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ctx.Done():
	case <-deadline:
	case <-hungUp:
	}

	manager.Close()
	meter.clear()
	fmt.Fprint(os.Stdout, formatSummary(metrics.Calls.Snapshot()))
	return nil
}

func openDevices(opts options, logger zerolog.Logger) (audio.Devices, func(), error) {
	if opts.device == config.DevicePortAudio {
		d, err := portaudio.Open(logger)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	}
	return &wavfile.Devices{
		InputPath:  opts.input,
		Loop:       opts.loop,
		OutputPath: opts.output,
		Logger:     logger,
	}, func() {}, nil
}

func newDialer(transport string, cfg config.Config, logger zerolog.Logger) live.Dialer {
	if transport == live.TransportGenAI {
		return live.NewGenAIDialer(logger)
	}
	return live.NewWebSocketDialer(cfg.GeminiWSURL, logger)
}

// meter draws the activity level on a single terminal line.
type meter struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
	cells int
	drawn bool
}

func newMeter(w io.Writer, quiet bool) *meter {
	return &meter{w: w, quiet: quiet, cells: -1}
}

func (m *meter) level(v float64) {
	if m.quiet {
		return
	}
	cells := meterCells(v, meterWidth)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cells == m.cells {
		return
	}
	m.cells = cells
	m.drawn = true
	fmt.Fprintf(m.w, "\r%s", renderMeter(v, meterWidth))
}

func (m *meter) state(s session.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
	fmt.Fprintf(m.w, "call %s\n", s)
}

func (m *meter) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *meter) clearLocked() {
	if m.drawn {
		fmt.Fprint(m.w, "\r\033[K")
		m.drawn = false
		m.cells = -1
	}
}

func meterCells(v float64, width int) int {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return width
	}
	return int(v*float64(width) + 0.5)
}

func renderMeter(v float64, width int) string {
	n := meterCells(v, width)
	pct := int(v*100 + 0.5)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", n), strings.Repeat(" ", width-n), pct)
}

func formatSummary(snap observability.CallSnapshot) string {
	var b strings.Builder
	b.WriteString("latency summary\n")
	if len(snap.Stages) == 0 {
		b.WriteString("  no samples\n")
	}
	for _, st := range snap.Stages {
		fmt.Fprintf(&b, "  %-20s samples=%-4d p50=%.1fms p95=%.1fms", st.Stage, st.Samples, st.P50MS, st.P95MS)
		if st.TargetP95MS > 0 {
			status := "ok"
			if st.P95MS > st.TargetP95MS {
				status = "over"
			}
			fmt.Fprintf(&b, " target=%.0fms %s", st.TargetP95MS, status)
		}
		b.WriteString("\n")
	}
	for _, c := range snap.Calls {
		fmt.Fprintf(&b, "  call %s %s %s interruptions=%d", c.SessionID, c.Persona, c.Outcome, c.Interruptions)
		if c.DurationMS != nil {
			fmt.Fprintf(&b, " duration=%s", time.Duration(*c.DurationMS*float64(time.Millisecond)).Round(time.Millisecond))
		}
		b.WriteString("\n")
	}
	return b.String()
}
