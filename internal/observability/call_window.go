package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Session stages tracked per call.
const (
	StageConnect    = "connect"
	StageFirstAudio = "first_audio"
	StageFlush      = "interruption_flush"
)

// Call outcomes. A call stays OutcomeOpen until End.
const (
	OutcomeOpen      = "open"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

const maxFlushesPerCall = 64

var stageTargetsMS = map[string]float64{
	StageConnect:    1500,
	StageFirstAudio: 1200,
	StageFlush:      20,
}

// CallRecord is the latency profile of one session.
type CallRecord struct {
	SessionID     string    `json:"session_id"`
	Persona       string    `json:"persona"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    *float64  `json:"duration_ms,omitempty"`
	ConnectMS     *float64  `json:"connect_ms,omitempty"`
	FirstAudioMS  *float64  `json:"first_audio_ms,omitempty"`
	Interruptions int       `json:"interruptions"`
	Outcome       string    `json:"outcome"`

	flushes []float64
}

// StageStats aggregates one stage over the calls in the window.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// CallSnapshot lists the recent calls, newest first, with stage
// percentiles and outcome counts across them.
type CallSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Calls       []CallRecord   `json:"calls"`
	Stages      []StageStats   `json:"stages"`
	Outcomes    map[string]int `json:"outcomes"`
}

// CallWindow remembers the last size calls. Observations for a session
// that was never begun, or already evicted, are ignored.
type CallWindow struct {
	mu    sync.Mutex
	size  int
	calls []*CallRecord
	byID  map[string]*CallRecord
}

func NewCallWindow(size int) *CallWindow {
	if size <= 0 {
		size = 64
	}
	return &CallWindow{size: size, byID: make(map[string]*CallRecord)}
}

func (w *CallWindow) Begin(sessionID, persona string, at time.Time) {
	if w == nil || sessionID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byID[sessionID]; ok {
		return
	}
	if len(w.calls) == w.size {
		delete(w.byID, w.calls[0].SessionID)
		w.calls = w.calls[1:]
	}
	rec := &CallRecord{SessionID: sessionID, Persona: persona, StartedAt: at.UTC(), Outcome: OutcomeOpen}
	w.calls = append(w.calls, rec)
	w.byID[sessionID] = rec
}

// Observe records a stage latency. Connect and first audio keep the first
// value; every flush counts as an interruption.
func (w *CallWindow) Observe(sessionID, stage string, d time.Duration) {
	if w == nil || d < 0 {
		return
	}
	ms := toMS(d)
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.byID[sessionID]
	if !ok {
		return
	}
	switch stage {
	case StageConnect:
		if rec.ConnectMS == nil {
			rec.ConnectMS = &ms
		}
	case StageFirstAudio:
		if rec.FirstAudioMS == nil {
			rec.FirstAudioMS = &ms
		}
	case StageFlush:
		rec.Interruptions++
		if len(rec.flushes) < maxFlushesPerCall {
			rec.flushes = append(rec.flushes, ms)
		}
	}
}

func (w *CallWindow) End(sessionID, outcome string, at time.Time) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.byID[sessionID]
	if !ok || rec.Outcome != OutcomeOpen {
		return
	}
	rec.Outcome = outcome
	dur := toMS(at.Sub(rec.StartedAt))
	rec.DurationMS = &dur
}

// Call returns a copy of one session's record.
func (w *CallWindow) Call(sessionID string) (CallRecord, bool) {
	if w == nil {
		return CallRecord{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.byID[sessionID]
	if !ok {
		return CallRecord{}, false
	}
	return rec.export(), true
}

func (w *CallWindow) Snapshot() CallSnapshot {
	snap := CallSnapshot{
		GeneratedAt: time.Now().UTC(),
		Calls:       []CallRecord{},
		Stages:      []StageStats{},
		Outcomes:    map[string]int{},
	}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.size

	samples := make(map[string][]float64, len(stageTargetsMS))
	for i := len(w.calls) - 1; i >= 0; i-- {
		rec := w.calls[i]
		snap.Calls = append(snap.Calls, rec.export())
		snap.Outcomes[rec.Outcome]++
		if rec.ConnectMS != nil {
			samples[StageConnect] = append(samples[StageConnect], *rec.ConnectMS)
		}
		if rec.FirstAudioMS != nil {
			samples[StageFirstAudio] = append(samples[StageFirstAudio], *rec.FirstAudioMS)
		}
		samples[StageFlush] = append(samples[StageFlush], rec.flushes...)
	}
	for _, stage := range []string{StageConnect, StageFirstAudio, StageFlush} {
		values := samples[stage]
		if len(values) == 0 {
			continue
		}
		sort.Float64s(values)
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(values),
			P50MS:       round2(quantile(values, 0.50)),
			P95MS:       round2(quantile(values, 0.95)),
			MaxMS:       round2(values[len(values)-1]),
			TargetP95MS: stageTargetsMS[stage],
		})
	}
	return snap
}

func (r *CallRecord) export() CallRecord {
	out := *r
	out.flushes = nil
	out.DurationMS = copyMS(r.DurationMS)
	out.ConnectMS = copyMS(r.ConnectMS)
	out.FirstAudioMS = copyMS(r.FirstAudioMS)
	return out
}

func copyMS(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func toMS(d time.Duration) float64 {
	return round2(float64(d) / float64(time.Millisecond))
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := math.Max(0, math.Min(1, q)) * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(idx-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
