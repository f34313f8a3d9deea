package sdr

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"
)

// MockConfig parameterises the synthetic device.
type MockConfig struct {
	SampleRate float64
	ToneOffset float64 // Hz relative to the tuned frequency
	Amplitude  float64 // 0..1 of full scale
	NoiseLevel float64 // standard deviation, fraction of full scale
	BlockSize  int
	Frequency  int64
	BitDepth   int
	// Realtime paces refills at SampleRate.
	Realtime bool
	Seed     int64

	// FailFrequency, when set, can reject a frequency change.
	FailFrequency func(hz int64) error
	// FailRefill, when set, can fail the n-th refill (0-based).
	FailRefill func(n uint64) error
}

// Mock synthesises a complex tone plus noise as 12-bit words, the same
// layout a Pluto produces.
type Mock struct {
	mu     sync.Mutex
	cfg    MockConfig
	freq   int64
	phase  float64
	refill uint64
	rng    *rand.Rand
	buf    []byte
	gain   GainState
	closed bool
}

// NewMock creates a mock device with defaults filled in.
func NewMock(cfg MockConfig) *Mock {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultPlutoSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 4096
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 0.5
	}
	if cfg.BitDepth <= 0 {
		cfg.BitDepth = PlutoBitDepth
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultPlutoFrequency
	}
	return &Mock{
		cfg:  cfg,
		freq: cfg.Frequency,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		buf:  make([]byte, cfg.BlockSize*4),
	}
}

func (m *Mock) Refill(ctx context.Context) (RawBlock, error) {
	m.mu.Lock()
	n := m.refill
	m.refill++
	hook := m.cfg.FailRefill
	m.mu.Unlock()

	if m.cfg.Realtime {
		d := time.Duration(float64(m.cfg.BlockSize) / m.cfg.SampleRate * float64(time.Second))
		if !sleepCtx(ctx, d) {
			return RawBlock{}, &RefillError{Err: ctx.Err()}
		}
	} else if err := ctx.Err(); err != nil {
		return RawBlock{}, &RefillError{Err: err}
	}
	if hook != nil {
		if err := hook(n); err != nil {
			return RawBlock{}, &RefillError{Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return RawBlock{}, &RefillError{Err: errSessionClosed}
	}
	step := 2 * math.Pi * m.cfg.ToneOffset / m.cfg.SampleRate
	for k := 0; k < m.cfg.BlockSize; k++ {
		i := m.cfg.Amplitude*math.Cos(m.phase) + m.rng.NormFloat64()*m.cfg.NoiseLevel
		q := m.cfg.Amplitude*math.Sin(m.phase) + m.rng.NormFloat64()*m.cfg.NoiseLevel
		binary.LittleEndian.PutUint16(m.buf[4*k:], uint16(toWord(i)))
		binary.LittleEndian.PutUint16(m.buf[4*k+2:], uint16(toWord(q)))
		m.phase = math.Mod(m.phase+step, 2*math.Pi)
	}
	// Hand out a copy so the next refill does not race a slow reader.
	data := append([]byte(nil), m.buf...)
	return RawBlock{Data: data, Step: 4, Format: FormatS16LE, FullScale: plutoFullScale}, nil
}

func toWord(v float64) int16 {
	w := math.Round(v * plutoFullScale)
	return int16(math.Max(-plutoFullScale, math.Min(plutoFullScale-1, w)))
}

// SetFrequency stores hz unless the FailFrequency hook rejects it.
func (m *Mock) SetFrequency(_ context.Context, hz int64) error {
	if hz <= 0 {
		return ErrInvalidFrequency
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.FailFrequency != nil {
		if err := m.cfg.FailFrequency(hz); err != nil {
			return err
		}
	}
	m.freq = hz
	return nil
}

func (m *Mock) Frequency() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freq
}

func (m *Mock) SetGain(_ context.Context, db int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gain = GainState{RequestedGain: db, AppliedGain: db}
	return nil
}

func (m *Mock) SetAutoGainEnabled(_ context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gain.RequestedAGC = on
	m.gain.AppliedAGC = on
	return nil
}

func (m *Mock) GainState() GainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain
}

// Refills returns how many refills were requested so far.
func (m *Mock) Refills() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refill
}

func (m *Mock) BitDepth() int { return m.cfg.BitDepth }

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var (
	_ Device         = (*Mock)(nil)
	_ GainController = (*Mock)(nil)
)
