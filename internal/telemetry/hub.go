package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rjboer/GoDAB/internal/logging"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
	SpectrumSize int `json:"spectrumSize"`
	IntervalMs   int `json:"intervalMs"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
	minSpectrumSize = 64
	maxSpectrumSize = 1 << 16
	minIntervalMs   = 50
	maxIntervalMs   = 60_000
)

// DefaultConfig returns the values used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: 500,
		SpectrumSize: 2048,
		IntervalMs:   1000,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SpectrumSize == 0 || base.IntervalMs == 0 {
		base = DefaultConfig()
	}

	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SpectrumSize == 0 {
		cfg.SpectrumSize = base.SpectrumSize
	}
	if cfg.IntervalMs == 0 {
		cfg.IntervalMs = base.IntervalMs
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SpectrumSize < minSpectrumSize || cfg.SpectrumSize > maxSpectrumSize {
		return Config{}, fmt.Errorf("spectrum size must be between %d and %d", minSpectrumSize, maxSpectrumSize)
	}
	if cfg.SpectrumSize&(cfg.SpectrumSize-1) != 0 {
		return Config{}, errors.New("spectrum size must be a power of two")
	}
	if cfg.IntervalMs < minIntervalMs || cfg.IntervalMs > maxIntervalMs {
		return Config{}, fmt.Errorf("interval must be between %d and %d ms", minIntervalMs, maxIntervalMs)
	}

	return cfg, nil
}

// Sample is one periodic snapshot of the acquisition pipeline.
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	Device       string    `json:"device"`
	FrequencyHz  int64     `json:"frequencyHz"`
	Running      bool      `json:"running"`
	Available    int       `json:"available"`
	Capacity     int       `json:"capacity"`
	Refills      uint64    `json:"refills"`
	RefillErrors uint64    `json:"refillErrors"`
	Produced     uint64    `json:"produced"`
	Consumed     uint64    `json:"consumed"`
	Overwritten  uint64    `json:"overwritten"`
	LevelDBFS    float64   `json:"levelDbfs"`
	PeakDBFS     float64   `json:"peakDbfs"`
	PeakOffsetHz float64   `json:"peakOffsetHz"`
	SNR          float64   `json:"snrDb"`
	RSSI         float64   `json:"rssiDb,omitempty"`
}

// Reporter receives acquisition snapshots.
type Reporter interface {
	Report(sample Sample)
}

// SpectrumSnapshot is the most recent power spectrum computed by the consumer.
type SpectrumSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Bins      []float64 `json:"bins"`
}

// ProcessStats describes the running process.
type ProcessStats struct {
	NumGoroutine int     `json:"numGoroutine"`
	HeapAlloc    uint64  `json:"heapAlloc"`
	Uptime       float64 `json:"uptimeSeconds"`
}

// Diagnostics is the payload of /api/diagnostics.
type Diagnostics struct {
	Process  ProcessStats     `json:"process"`
	Latest   *Sample          `json:"latest,omitempty"`
	Spectrum SpectrumSnapshot `json:"spectrum"`
}

// Hub collects history and fans out telemetry updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	config       Config
	spectrum     SpectrumSnapshot
	started      time.Time
	logger       logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg := DefaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, DefaultConfig())
	if err != nil {
		cfg = DefaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
		started:      time.Now(),
		logger:       logging.OrDefault(logger).With(logging.F("subsystem", "telemetry")),
	}
}

// Report implements Reporter and records a new snapshot.
func (h *Hub) Report(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored snapshots.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the newest snapshot, if any.
func (h *Hub) Latest() (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return Sample{}, false
	}
	return h.history[len(h.history)-1], true
}

// UpdateSpectrumSnapshot replaces the stored spectrum.
func (h *Hub) UpdateSpectrumSnapshot(bins []float64, source string) {
	snap := SpectrumSnapshot{Timestamp: time.Now(), Source: source, Bins: append([]float64(nil), bins...)}
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// SetConfig validates cfg against the current configuration and applies it.
// Zero fields keep their current value.
func (h *Hub) SetConfig(cfg Config) (Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg, err := validateConfig(cfg, h.config)
	if err != nil {
		return Config{}, err
	}
	h.applyConfig(cfg)
	return cfg, nil
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// MultiReporter fans out snapshots to multiple destinations.
type MultiReporter []Reporter

// Report forwards the snapshot to each configured reporter.
func (m MultiReporter) Report(sample Sample) {
	for _, r := range m {
		if r != nil {
			r.Report(sample)
		}
	}
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func (h *Hub) diagnostics() Diagnostics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h.mu.RLock()
	defer h.mu.RUnlock()
	d := Diagnostics{
		Process: ProcessStats{
			NumGoroutine: runtime.NumGoroutine(),
			HeapAlloc:    mem.HeapAlloc,
			Uptime:       time.Since(h.started).Seconds(),
		},
		Spectrum: h.spectrum,
	}
	if n := len(h.history); n > 0 {
		latest := h.history[n-1]
		d.Latest = &latest
	}
	return d
}

func (h *Hub) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("encode response", logging.Err(err))
	}
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.History())
}

func (h *Hub) handleStats(w http.ResponseWriter, _ *http.Request) {
	latest, ok := h.Latest()
	if !ok {
		http.Error(w, "no samples reported yet", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, latest)
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.diagnostics())
}

func (h *Hub) handleSpectrumSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.RLock()
	snap := h.spectrum
	h.mu.RUnlock()
	h.writeJSON(w, snap)
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	cfg, err := h.SetConfig(incoming)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("telemetry config updated", logging.F("history_limit", cfg.HistoryLimit),
		logging.F("spectrum_size", cfg.SpectrumSize), logging.F("interval_ms", cfg.IntervalMs))
	h.writeJSON(w, cfg)
}

func writeEvent(w http.ResponseWriter, sample Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// replay history for immediate display
	for _, sample := range h.History() {
		if err := writeEvent(w, sample); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, sample); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
