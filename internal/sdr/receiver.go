package sdr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/GoDAB/internal/logging"
	"github.com/rjboer/GoDAB/internal/ringbuffer"
)

// DefaultRingCapacity holds a little over a second of 2.048 MS/s samples.
const DefaultRingCapacity = 4 * 1024 * 1024

// Config selects and parameterises a device for Open.
type Config struct {
	// Device is one of "pluto", "replay", "mock" or "rtlsdr".
	Device       string
	Frequency    int64
	RingCapacity int
	BatchSize    int
	StopTimeout  time.Duration

	Pluto  PlutoConfig
	Replay ReplayConfig
	Mock   MockConfig
	RTLSDR RTLSDRConfig
}

// RTLSDRConfig selects and tunes an RTL-SDR dongle.
type RTLSDRConfig struct {
	Index      int
	SampleRate int
	// Gain in tenths of dB; AGC when Auto is set.
	Gain      int
	Auto      bool
	BlockSize int
}

// Receiver implements Handler for any Device. It owns the device, the ring
// and the acquisition worker.
type Receiver struct {
	dev    Device
	ring   *ringbuffer.Ring
	worker *Worker
	log    logging.Logger

	mu     sync.Mutex
	closed bool
}

// ReceiverOptions tunes NewReceiver.
type ReceiverOptions struct {
	RingCapacity int
	Worker       WorkerOptions
}

// NewReceiver wraps dev. The reader is stopped until RestartReader.
func NewReceiver(dev Device, opts ReceiverOptions) *Receiver {
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = DefaultRingCapacity
	}
	if opts.Worker.Name == "" {
		opts.Worker.Name = dev.Name()
	}
	ring := ringbuffer.New(opts.RingCapacity)
	return &Receiver{
		dev:    dev,
		ring:   ring,
		worker: NewWorker(dev, ring, opts.Worker),
		log:    logging.OrDefault(opts.Worker.Logger).With(logging.F("device", dev.Name())),
	}
}

// Open creates the device named by cfg.Device and wraps it in a Receiver.
func Open(ctx context.Context, cfg Config, logger logging.Logger, obs Observer) (*Receiver, error) {
	logger = logging.OrDefault(logger)

	var (
		dev Device
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Device)) {
	case "pluto", "":
		dev, err = OpenPluto(ctx, DialIIOD(cfg.Pluto.URI), cfg.Pluto, logger)
	case "replay":
		dev, err = OpenReplay(cfg.Replay)
	case "mock":
		dev = NewMock(cfg.Mock)
	case "rtlsdr":
		dev, err = OpenRTLSDR(ctx, cfg.RTLSDR, logger)
	default:
		return nil, fmt.Errorf("unknown device %q", cfg.Device)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Frequency > 0 && dev.Frequency() != cfg.Frequency {
		if err := dev.SetFrequency(ctx, cfg.Frequency); err != nil {
			logger.Warn("initial frequency rejected", logging.Err(err))
		}
	}

	return NewReceiver(dev, ReceiverOptions{
		RingCapacity: cfg.RingCapacity,
		Worker: WorkerOptions{
			BatchSize:   cfg.BatchSize,
			StopTimeout: cfg.StopTimeout,
			Logger:      logger,
			Observer:    obs,
		},
	}), nil
}

// RestartReader tunes to hz and starts acquisition. It does nothing when the
// reader is already running.
func (r *Receiver) RestartReader(ctx context.Context, hz int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("sdr: receiver closed")
	}
	if r.worker.Running() {
		return nil
	}
	if hz <= 0 {
		return fmt.Errorf("%w: %d Hz", ErrInvalidFrequency, hz)
	}
	if err := r.dev.SetFrequency(ctx, hz); err != nil {
		return err
	}
	return r.worker.Start()
}

// StopReader stops acquisition and waits until the worker has exited.
func (r *Receiver) StopReader() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worker.Stop()
}

// GetSamples drains up to len(dst) samples.
func (r *Receiver) GetSamples(dst []complex64) int { return r.ring.Read(dst) }

// Capacity returns the ring size in samples.
func (r *Receiver) Capacity() int { return r.ring.Capacity() }

// Samples returns the number of unread samples.
func (r *Receiver) Samples() int { return r.ring.Available() }

// ResetBuffer discards unread samples.
func (r *Receiver) ResetBuffer() { r.ring.Reset() }

// WaitSamples blocks until n samples are available or ctx is done.
func (r *Receiver) WaitSamples(ctx context.Context, n int) error { return r.ring.Wait(ctx, n) }

// SetVFOFrequency retunes the device. On failure the previous frequency
// stays in effect.
func (r *Receiver) SetVFOFrequency(ctx context.Context, hz int64) error {
	if hz <= 0 {
		return fmt.Errorf("%w: %d Hz", ErrInvalidFrequency, hz)
	}
	if err := r.dev.SetFrequency(ctx, hz); err != nil {
		r.log.Warn("frequency change rejected", logging.F("hz", hz), logging.Err(err))
		return err
	}
	return nil
}

func (r *Receiver) VFOFrequency() int64 { return r.dev.Frequency() }

func (r *Receiver) BitDepth() int { return r.dev.BitDepth() }

func (r *Receiver) DeviceName() string { return r.dev.Name() }

// Gain returns the gain controls of the device, if it has any.
func (r *Receiver) Gain() (GainController, bool) {
	g, ok := r.dev.(GainController)
	return g, ok
}

// Device returns the underlying device.
func (r *Receiver) Device() Device { return r.dev }

// Stats returns worker counters.
func (r *Receiver) Stats() WorkerStats { return r.worker.Stats() }

// RingStats returns ring counters.
func (r *Receiver) RingStats() ringbuffer.Stats { return r.ring.Stats() }

// Running reports whether acquisition is active.
func (r *Receiver) Running() bool { return r.worker.Running() }

// Close stops acquisition and then closes the device.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	stopErr := r.worker.Stop()
	if errors.Is(stopErr, ErrWorkerStuck) {
		// The goroutine may still be inside Refill; closing the device
		// would pull the buffer out from under it.
		return stopErr
	}
	return errors.Join(stopErr, r.dev.Close())
}

var _ Handler = (*Receiver)(nil)
