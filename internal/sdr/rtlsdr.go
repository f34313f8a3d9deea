//go:build rtlsdr

package sdr

import (
	"context"
	"fmt"
	"sync"

	rtl "github.com/jpoirier/gortlsdr"

	"github.com/rjboer/GoDAB/internal/logging"
)

const RTLSDRBitDepth = 8

// RTLSDR reads unsigned 8-bit I/Q from a dongle through librtlsdr.
type RTLSDR struct {
	cfg RTLSDRConfig
	log logging.Logger

	mu   sync.Mutex
	dev  *rtl.Context
	freq int64
	gain GainState
	buf  []byte
}

// OpenRTLSDR opens dongle cfg.Index and applies sample rate and gain.
func OpenRTLSDR(_ context.Context, cfg RTLSDRConfig, logger logging.Logger) (Device, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultPlutoSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 16 * 1024
	}
	log := logging.OrDefault(logger).With(logging.F("device", "rtlsdr"), logging.F("index", cfg.Index))

	count := rtl.GetDeviceCount()
	if count == 0 {
		return nil, &DeviceInitError{Stage: StageDevices, Err: fmt.Errorf("no RTL-SDR devices found")}
	}
	if cfg.Index >= count {
		return nil, &DeviceInitError{Stage: StageDevices, Err: fmt.Errorf("device index %d out of range (found %d)", cfg.Index, count)}
	}

	dev, err := rtl.Open(cfg.Index)
	if err != nil {
		return nil, &DeviceInitError{Stage: StageContext, Err: err}
	}
	r := &RTLSDR{
		cfg:  cfg,
		log:  log,
		dev:  dev,
		buf:  make([]byte, cfg.BlockSize*2),
		gain: GainState{RequestedAGC: cfg.Auto, RequestedGain: cfg.Gain},
	}

	fail := func(stage string, err error) (Device, error) {
		dev.Close()
		return nil, &DeviceInitError{Stage: stage, Err: err}
	}
	if err := dev.SetSampleRate(cfg.SampleRate); err != nil {
		return fail(StageSampleRate, err)
	}
	if err := r.applyGain(); err != nil {
		return fail(StageGain, err)
	}
	if err := dev.ResetBuffer(); err != nil {
		return fail(StageBuffer, err)
	}
	log.Info("rtlsdr ready", logging.F("name", rtl.GetDeviceName(cfg.Index)), logging.F("sample_rate", cfg.SampleRate))
	return r, nil
}

func (r *RTLSDR) applyGain() error {
	if err := r.dev.SetTunerGainMode(!r.gain.RequestedAGC); err != nil {
		return err
	}
	r.gain.AppliedAGC = r.gain.RequestedAGC
	if r.gain.RequestedAGC {
		return nil
	}
	if err := r.dev.SetTunerGain(r.gain.RequestedGain); err != nil {
		return err
	}
	r.gain.AppliedGain = r.gain.RequestedGain
	return nil
}

// Refill blocks in ReadSync. librtlsdr has no cancellable read; the call
// returns once BlockSize samples arrived.
func (r *RTLSDR) Refill(ctx context.Context) (RawBlock, error) {
	if err := ctx.Err(); err != nil {
		return RawBlock{}, &RefillError{Err: err}
	}
	n, err := r.dev.ReadSync(r.buf, len(r.buf))
	if err != nil {
		return RawBlock{}, &RefillError{Err: err}
	}
	return RawBlock{Data: r.buf[:n], Step: 2, Format: FormatU8}, nil
}

func (r *RTLSDR) SetFrequency(_ context.Context, hz int64) error {
	if hz <= 0 {
		return ErrInvalidFrequency
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.dev.SetCenterFreq(int(hz)); err != nil {
		return &HardwareWriteError{Value: fmt.Sprint(hz), Err: err}
	}
	r.freq = hz
	return nil
}

func (r *RTLSDR) Frequency() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freq
}

// SetGain sets manual tuner gain in tenths of dB.
func (r *RTLSDR) SetGain(_ context.Context, tenths int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gain.RequestedGain = tenths
	r.gain.RequestedAGC = false
	return r.applyGain()
}

func (r *RTLSDR) SetAutoGainEnabled(_ context.Context, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gain.RequestedAGC = on
	return r.applyGain()
}

func (r *RTLSDR) GainState() GainState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gain
}

func (r *RTLSDR) BitDepth() int { return RTLSDRBitDepth }

func (r *RTLSDR) Name() string { return "rtlsdr" }

func (r *RTLSDR) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil {
		return nil
	}
	err := r.dev.Close()
	r.dev = nil
	return err
}

var (
	_ Device         = (*RTLSDR)(nil)
	_ GainController = (*RTLSDR)(nil)
)
