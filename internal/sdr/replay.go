package sdr

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ReplayConfig describes a raw interleaved IQ recording.
type ReplayConfig struct {
	Path string
	// Format is "s16le" (default) or "u8".
	Format     string
	SampleRate float64
	BlockSize  int
	Frequency  int64
	// FullScale divides s16le words; 32768 when zero.
	FullScale float32
	// BitDepth reported to the demodulator; derived from Format when zero.
	BitDepth int
	Loop     bool
	// Realtime paces refills at SampleRate.
	Realtime bool
}

// ErrEndOfRecording is returned by Refill once a non-looping replay is
// exhausted.
var ErrEndOfRecording = errors.New("sdr: end of recording")

// Replay plays an IQ file through the same contract as a hardware device.
type Replay struct {
	cfg    ReplayConfig
	format SampleFormat

	mu     sync.Mutex
	file   *os.File
	ticker *time.Ticker
	buf    []byte
	freq   int64
}

// OpenReplay opens the recording named in cfg.
func OpenReplay(cfg ReplayConfig) (*Replay, error) {
	if cfg.Path == "" {
		return nil, &DeviceInitError{Stage: StageContext, Err: errors.New("replay path is empty")}
	}
	var format SampleFormat
	switch strings.ToLower(cfg.Format) {
	case "", "s16le", "s16":
		format = FormatS16LE
		if cfg.BitDepth <= 0 {
			cfg.BitDepth = 16
		}
		if cfg.FullScale == 0 {
			cfg.FullScale = 32768
		}
	case "u8", "cu8":
		format = FormatU8
		if cfg.BitDepth <= 0 {
			cfg.BitDepth = 8
		}
	default:
		return nil, &DeviceInitError{Stage: StageContext, Err: errors.Errorf("unknown replay format %q", cfg.Format)}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultPlutoSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 32 * 1024
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, &DeviceInitError{Stage: StageContext, Err: errors.Wrap(err, "cannot open recording")}
	}

	r := &Replay{
		cfg:    cfg,
		format: format,
		file:   f,
		buf:    make([]byte, cfg.BlockSize*2*format.wordSize()),
		freq:   cfg.Frequency,
	}
	if cfg.Realtime {
		r.ticker = time.NewTicker(time.Duration(float64(cfg.BlockSize) / cfg.SampleRate * float64(time.Second)))
	}
	return r, nil
}

func (r *Replay) Refill(ctx context.Context) (RawBlock, error) {
	if r.ticker != nil {
		select {
		case <-ctx.Done():
			return RawBlock{}, &RefillError{Err: ctx.Err()}
		case <-r.ticker.C:
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return RawBlock{}, &RefillError{Err: errSessionClosed}
	}

	n, err := io.ReadFull(r.file, r.buf)
	if (err == io.EOF || err == io.ErrUnexpectedEOF) && r.cfg.Loop {
		if _, serr := r.file.Seek(0, io.SeekStart); serr != nil {
			return RawBlock{}, &RefillError{Err: errors.Wrap(serr, "cannot rewind recording")}
		}
		if n == 0 {
			n, err = io.ReadFull(r.file, r.buf)
		} else {
			err = nil
		}
	}
	switch {
	case err == io.EOF:
		return RawBlock{}, &RefillError{Err: ErrEndOfRecording}
	case err != nil && err != io.ErrUnexpectedEOF:
		return RawBlock{}, &RefillError{Err: errors.Wrap(err, "cannot read block of samples")}
	}

	return RawBlock{
		Data:      r.buf[:n],
		Step:      2 * r.format.wordSize(),
		Format:    r.format,
		FullScale: r.cfg.FullScale,
	}, nil
}

// SetFrequency records hz; a recording can not be retuned.
func (r *Replay) SetFrequency(_ context.Context, hz int64) error {
	if hz <= 0 {
		return ErrInvalidFrequency
	}
	r.mu.Lock()
	r.freq = hz
	r.mu.Unlock()
	return nil
}

func (r *Replay) Frequency() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freq
}

func (r *Replay) BitDepth() int { return r.cfg.BitDepth }

func (r *Replay) Name() string { return "replay" }

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker != nil {
		r.ticker.Stop()
	}
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return errors.Wrap(err, "cannot close recording")
}

var _ Device = (*Replay)(nil)
