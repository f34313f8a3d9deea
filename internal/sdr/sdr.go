package sdr

import (
	"context"
	"encoding/binary"
	"time"
)

// SampleFormat describes how one I or Q word is encoded in a RawBlock.
type SampleFormat int

const (
	// FormatS16LE is a signed little-endian 16-bit word divided by FullScale.
	FormatS16LE SampleFormat = iota
	// FormatU8 is an offset-binary byte centred on 127.5 (RTL-SDR).
	FormatU8
)

func (f SampleFormat) String() string {
	switch f {
	case FormatS16LE:
		return "s16le"
	case FormatU8:
		return "u8"
	default:
		return "unknown"
	}
}

// wordSize returns the size in bytes of one I or Q word.
func (f SampleFormat) wordSize() int {
	if f == FormatU8 {
		return 1
	}
	return 2
}

// RawBlock is one hardware refill. Sample k starts at First + k*Step with the
// I word followed by the Q word. The block is only valid until the next refill.
type RawBlock struct {
	Data      []byte
	First     int
	Step      int
	Format    SampleFormat
	FullScale float32
}

// Samples returns the number of complete samples in the block.
func (b RawBlock) Samples() int {
	width := 2 * b.Format.wordSize()
	if b.Step <= 0 || b.First < 0 || b.First+width > len(b.Data) {
		return 0
	}
	return (len(b.Data)-b.First-width)/b.Step + 1
}

// At decodes the sample at byte offset off.
func (b RawBlock) At(off int) complex64 {
	switch b.Format {
	case FormatU8:
		return complex((float32(b.Data[off])-127.5)/127.5, (float32(b.Data[off+1])-127.5)/127.5)
	default:
		i := int16(binary.LittleEndian.Uint16(b.Data[off:]))
		q := int16(binary.LittleEndian.Uint16(b.Data[off+2:]))
		return complex(float32(i)/b.FullScale, float32(q)/b.FullScale)
	}
}

// Source is the blocking producer side of a device.
type Source interface {
	// Refill blocks until the next block is available or ctx is done.
	Refill(ctx context.Context) (RawBlock, error)
}

// Device is an opened radio that the Receiver drives.
type Device interface {
	Source
	SetFrequency(ctx context.Context, hz int64) error
	Frequency() int64
	BitDepth() int
	Name() string
	Close() error
}

// GainController is implemented by devices with adjustable gain.
type GainController interface {
	SetGain(ctx context.Context, db int) error
	SetAutoGainEnabled(ctx context.Context, on bool) error
	GainState() GainState
}

// GainState reports requested against applied gain settings.
type GainState struct {
	RequestedAGC  bool `json:"requestedAgc"`
	AppliedAGC    bool `json:"appliedAgc"`
	RequestedGain int  `json:"requestedGain"`
	AppliedGain   int  `json:"appliedGain"`
}

// Handler is the capability surface a demodulator and control context use.
type Handler interface {
	RestartReader(ctx context.Context, hz int64) error
	StopReader() error
	GetSamples(dst []complex64) int
	Samples() int
	ResetBuffer()
	SetVFOFrequency(ctx context.Context, hz int64) error
	VFOFrequency() int64
	BitDepth() int
	DeviceName() string
	Close() error
}

// Observer receives acquisition events, typically telemetry.Metrics.
type Observer interface {
	ObserveRefill(device string, samples int, elapsed time.Duration)
	ObserveRefillError(device string, err error)
	ObserveOverflow(device string, lost int)
}

type nopObserver struct{}

func (nopObserver) ObserveRefill(string, int, time.Duration) {}
func (nopObserver) ObserveRefillError(string, error)         {}
func (nopObserver) ObserveOverflow(string, int)              {}
