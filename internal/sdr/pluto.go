package sdr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rjboer/GoDAB/iiod"
	"github.com/rjboer/GoDAB/internal/logging"
)

const (
	PlutoPhyName    = "ad9361-phy"
	PlutoStreamName = "cf-ad9361-lpc"
	PlutoBitDepth   = 12
	// plutoFullScale maps 12-bit signed words onto [-1, 1).
	plutoFullScale = 2048

	DefaultPlutoURI        = "192.168.2.1"
	DefaultPlutoFrequency  = 220_000_000
	DefaultPlutoBandwidth  = 1_536_000
	DefaultPlutoSampleRate = 2_048_000
	DefaultPlutoRFPort     = "A_BALANCED"
	DefaultPlutoGain       = 50
	DefaultPlutoBufferSize = 1024 * 1024
)

// PlutoConfig holds the ADALM-Pluto receive settings.
type PlutoConfig struct {
	URI        string
	Frequency  int64
	Bandwidth  int64
	SampleRate int64
	RFPort     string
	Gain       int
	AGC        bool
	BufferSize int
	// SSH enables the sysfs fallback for rejected attribute writes.
	SSH *SSHConfig
}

func (c PlutoConfig) withDefaults() PlutoConfig {
	if c.URI == "" {
		c.URI = DefaultPlutoURI
	}
	if c.Frequency <= 0 {
		c.Frequency = DefaultPlutoFrequency
	}
	if c.Bandwidth <= 0 {
		c.Bandwidth = DefaultPlutoBandwidth
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultPlutoSampleRate
	}
	if c.RFPort == "" {
		c.RFPort = DefaultPlutoRFPort
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultPlutoBufferSize
	}
	return c
}

// IIOContext is the hardware boundary a PlutoSession needs.
type IIOContext interface {
	Context(ctx context.Context) (*iiod.Context, error)
	ReadAttr(ctx context.Context, a iiod.Attr) (string, error)
	WriteAttr(ctx context.Context, a iiod.Attr, value string) error
	OpenBuffer(ctx context.Context, device string, samples int, channels []string) (StreamBuffer, error)
	Close() error
}

// StreamBuffer is an opened receive buffer.
type StreamBuffer interface {
	Refill(ctx context.Context) (iiod.Block, error)
	Close() error
}

// ContextOpener creates an IIOContext.
type ContextOpener func(ctx context.Context) (IIOContext, error)

// AttrWriter writes a single attribute.
type AttrWriter interface {
	WriteAttr(ctx context.Context, a iiod.Attr, value string) error
}

// DialIIOD returns an opener for an IIOD server at uri ("ip:host[:port]" or
// "host[:port]").
func DialIIOD(uri string) ContextOpener {
	addr := strings.TrimPrefix(uri, "ip:")
	return func(ctx context.Context) (IIOContext, error) {
		client, err := iiod.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return clientContext{client}, nil
	}
}

type clientContext struct {
	*iiod.Client
}

func (c clientContext) OpenBuffer(ctx context.Context, device string, samples int, channels []string) (StreamBuffer, error) {
	buf, err := c.Client.OpenBuffer(ctx, device, samples, channels)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// PlutoSession owns an IIO context and the receive stream buffer of an
// ADALM-Pluto. Configuration writes are serialised; Refill runs unlocked on
// its own stream connection.
type PlutoSession struct {
	cfg      PlutoConfig
	log      logging.Logger
	fallback AttrWriter

	mu     sync.Mutex
	iio    IIOContext
	buf    StreamBuffer
	phy    *iiod.Device
	stream *iiod.Device
	freq   int64
	gain   GainState
	closed bool
}

// OpenPluto opens the context and configures the receive chain. On failure
// everything opened so far is released and a *DeviceInitError names the
// failing stage.
func OpenPluto(ctx context.Context, open ContextOpener, cfg PlutoConfig, logger logging.Logger) (*PlutoSession, error) {
	cfg = cfg.withDefaults()
	p := &PlutoSession{
		cfg: cfg,
		log: logging.OrDefault(logger).With(logging.F("device", "pluto"), logging.F("uri", cfg.URI)),
	}
	if cfg.SSH != nil {
		w, err := NewSSHAttributeWriter(*cfg.SSH)
		if err != nil {
			return nil, &DeviceInitError{Stage: StageContext, Err: err}
		}
		p.fallback = w
	}

	if err := p.init(ctx, open); err != nil {
		p.teardown()
		p.log.Error("pluto init failed", logging.Err(err))
		return nil, err
	}
	p.log.Info("pluto ready",
		logging.F("frequency", p.freq),
		logging.F("sample_rate", cfg.SampleRate),
		logging.F("buffer", cfg.BufferSize))
	return p, nil
}

func (p *PlutoSession) init(ctx context.Context, open ContextOpener) error {
	fail := func(stage string, err error) error {
		return &DeviceInitError{Stage: stage, Err: err}
	}

	iio, err := open(ctx)
	if err != nil {
		return fail(StageContext, err)
	}
	p.iio = iio

	xctx, err := iio.Context(ctx)
	if err != nil {
		return fail(StageContext, err)
	}
	if len(xctx.Devices) == 0 {
		return fail(StageDevices, errors.New("context has no devices"))
	}
	p.log.Debug("context opened", logging.F("devices", len(xctx.Devices)))

	phy, ok := xctx.Device(PlutoPhyName)
	if !ok {
		return fail(StagePhy, fmt.Errorf("no %s device", PlutoPhyName))
	}
	p.phy = phy
	stream, ok := xctx.Device(PlutoStreamName)
	if !ok {
		return fail(StageStreamDevice, fmt.Errorf("no %s device", PlutoStreamName))
	}
	p.stream = stream

	if _, ok := phy.Channel("voltage0", false); !ok {
		return fail(StagePhyChannel, errors.New("no voltage0 input channel"))
	}
	if err := p.write(ctx, p.rxAttr("rf_port_select"), p.cfg.RFPort); err != nil {
		return fail(StageRFPort, err)
	}
	if err := p.write(ctx, p.rxAttr("rf_bandwidth"), itoa(p.cfg.Bandwidth)); err != nil {
		return fail(StageBandwidth, err)
	}
	if err := p.write(ctx, p.rxAttr("sampling_frequency"), itoa(p.cfg.SampleRate)); err != nil {
		return fail(StageSampleRate, err)
	}

	if _, ok := phy.Channel("altvoltage0", true); !ok {
		return fail(StageLOChannel, errors.New("no altvoltage0 output channel"))
	}
	if err := p.write(ctx, p.loAttr(), itoa(p.cfg.Frequency)); err != nil {
		return fail(StageLOFrequency, err)
	}
	p.freq = p.cfg.Frequency

	for _, id := range []string{"voltage0", "voltage1"} {
		ch, ok := stream.Channel(id, false)
		if !ok || ch.ScanElement == nil {
			return fail(StageStreamChannels, fmt.Errorf("no streaming channel %s", id))
		}
	}

	p.gain = GainState{RequestedAGC: p.cfg.AGC, RequestedGain: p.cfg.Gain}
	if p.cfg.AGC {
		err = p.applyAGCLocked(ctx)
	} else {
		err = p.applyManualLocked(ctx, true)
	}
	if err != nil {
		return fail(StageGain, err)
	}

	buf, err := iio.OpenBuffer(ctx, stream.ID, p.cfg.BufferSize, []string{"voltage0", "voltage1"})
	if err != nil {
		return fail(StageBuffer, err)
	}
	p.buf = buf
	return nil
}

// teardown releases the buffer first, then the context.
func (p *PlutoSession) teardown() error {
	var errs []error
	if p.buf != nil {
		if err := p.buf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close buffer: %w", err))
		}
		p.buf = nil
	}
	if p.iio != nil {
		if err := p.iio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
		p.iio = nil
	}
	if w, ok := p.fallback.(*SSHAttributeWriter); ok {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ssh: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *PlutoSession) rxAttr(name string) iiod.Attr {
	return iiod.Attr{Device: p.phy.ID, Channel: "voltage0", Name: name}
}

func (p *PlutoSession) loAttr() iiod.Attr {
	return iiod.Attr{Device: p.phy.ID, Channel: "altvoltage0", Output: true, Name: "frequency"}
}

// write sends one attribute through IIOD, retrying over SSH sysfs when the
// daemon rejects it and a fallback is configured.
func (p *PlutoSession) write(ctx context.Context, a iiod.Attr, value string) error {
	err := p.iio.WriteAttr(ctx, a, value)
	var status *iiod.StatusError
	if err != nil && p.fallback != nil && errors.As(err, &status) {
		p.log.Warn("iiod write rejected, using sysfs", logging.F("attr", a.String()), logging.Err(err))
		err = p.fallback.WriteAttr(ctx, p.sysfsAttr(a), value)
	}
	if err != nil {
		return &HardwareWriteError{Attr: a, Value: value, Err: err}
	}
	p.log.Debug("attribute written", logging.F("attr", a.String()), logging.F("value", value))
	return nil
}

// sysfsAttr folds a named channel into the channel id, as sysfs spells
// out_altvoltage0_RX_LO_frequency.
func (p *PlutoSession) sysfsAttr(a iiod.Attr) iiod.Attr {
	if a.Channel == "" || p.phy == nil || a.Device != p.phy.ID {
		return a
	}
	if ch, ok := p.phy.Channel(a.Channel, a.Output); ok && ch.Name != "" {
		a.Channel = a.Channel + "_" + ch.Name
	}
	return a
}

// SetFrequency retunes the receive LO. The stored frequency only changes
// once the hardware accepted the value.
func (p *PlutoSession) SetFrequency(ctx context.Context, hz int64) error {
	if hz <= 0 {
		return fmt.Errorf("%w: %d Hz", ErrInvalidFrequency, hz)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errSessionClosed
	}
	if err := p.write(ctx, p.loAttr(), itoa(hz)); err != nil {
		return err
	}
	p.freq = hz
	return nil
}

// Frequency returns the last applied LO frequency.
func (p *PlutoSession) Frequency() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freq
}

// SetGain selects manual gain db. If AGC is active it is switched off first.
func (p *PlutoSession) SetGain(ctx context.Context, db int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errSessionClosed
	}
	p.gain.RequestedGain = db
	p.gain.RequestedAGC = false
	return p.applyManualLocked(ctx, p.gain.AppliedAGC)
}

// SetAutoGainEnabled switches the AD9361 AGC. Turning it off re-applies the
// last requested manual gain.
func (p *PlutoSession) SetAutoGainEnabled(ctx context.Context, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errSessionClosed
	}
	p.gain.RequestedAGC = on
	if on {
		return p.applyAGCLocked(ctx)
	}
	return p.applyManualLocked(ctx, true)
}

// GainState returns requested and applied gain settings.
func (p *PlutoSession) GainState() GainState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

func (p *PlutoSession) applyAGCLocked(ctx context.Context) error {
	if err := p.write(ctx, p.rxAttr("gain_control_mode"), "slow_attack"); err != nil {
		return err
	}
	p.gain.AppliedAGC = true
	return nil
}

func (p *PlutoSession) applyManualLocked(ctx context.Context, setMode bool) error {
	if setMode {
		if err := p.write(ctx, p.rxAttr("gain_control_mode"), "manual"); err != nil {
			return err
		}
		p.gain.AppliedAGC = false
	}
	if err := p.write(ctx, p.rxAttr("hardwaregain"), strconv.Itoa(p.gain.RequestedGain)); err != nil {
		return err
	}
	p.gain.AppliedGain = p.gain.RequestedGain
	return nil
}

// Refill blocks until the next buffer arrives from the stream connection.
func (p *PlutoSession) Refill(ctx context.Context) (RawBlock, error) {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()
	if buf == nil {
		return RawBlock{}, &RefillError{Err: errSessionClosed}
	}

	block, err := buf.Refill(ctx)
	if err != nil {
		return RawBlock{}, &RefillError{Err: err}
	}
	return RawBlock{
		Data:      block.Data,
		First:     block.First,
		Step:      block.Step,
		Format:    FormatS16LE,
		FullScale: plutoFullScale,
	}, nil
}

// ReadRSSI returns the receive signal strength of channel 0 in dB.
func (p *PlutoSession) ReadRSSI(ctx context.Context) (float64, error) {
	raw, err := p.read(ctx, p.rxAttr("rssi"))
	if err != nil {
		return 0, err
	}
	// "84.25 dB"
	field, _, _ := strings.Cut(strings.TrimSpace(raw), " ")
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("parse rssi %q: %w", raw, err)
	}
	return v, nil
}

// Temperature returns the AD9361 die temperature in degrees Celsius.
func (p *PlutoSession) Temperature(ctx context.Context) (float64, error) {
	p.mu.Lock()
	phy := p.phy
	p.mu.Unlock()
	if phy == nil {
		return 0, errSessionClosed
	}
	raw, err := p.read(ctx, iiod.Attr{Device: phy.ID, Channel: "temp0", Name: "input"})
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse temperature %q: %w", raw, err)
	}
	return milli / 1000, nil
}

func (p *PlutoSession) read(ctx context.Context, a iiod.Attr) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", errSessionClosed
	}
	return p.iio.ReadAttr(ctx, a)
}

func (p *PlutoSession) BitDepth() int { return PlutoBitDepth }

func (p *PlutoSession) Name() string { return "pluto" }

// Close releases the stream buffer and then the context. It is idempotent.
func (p *PlutoSession) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.teardown()
	p.log.Info("pluto closed")
	return err
}

var errSessionClosed = errors.New("sdr: session closed")

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

var (
	_ Device         = (*PlutoSession)(nil)
	_ GainController = (*PlutoSession)(nil)
)
