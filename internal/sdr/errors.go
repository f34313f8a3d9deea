package sdr

import (
	"errors"
	"fmt"

	"github.com/rjboer/GoDAB/iiod"
)

var (
	// ErrInvalidFrequency is returned for a non-positive tuning frequency.
	ErrInvalidFrequency = errors.New("sdr: invalid frequency")
	// ErrWorkerStuck means the acquisition goroutine did not exit within
	// the stop timeout. The worker can not be restarted afterwards.
	ErrWorkerStuck = errors.New("sdr: acquisition worker did not stop")
	// ErrUnavailable is returned when a device variant is not compiled in.
	ErrUnavailable = errors.New("sdr: device not available in this build")
)

// Init stages of a Pluto session, in the order they run.
const (
	StageContext        = "context"
	StageDevices        = "devices"
	StagePhy            = "phy"
	StageStreamDevice   = "stream-device"
	StagePhyChannel     = "phy-channel"
	StageRFPort         = "rf-port"
	StageBandwidth      = "bandwidth"
	StageSampleRate     = "sample-rate"
	StageLOChannel      = "lo-channel"
	StageLOFrequency    = "lo-frequency"
	StageStreamChannels = "stream-channels"
	StageGain           = "gain"
	StageBuffer         = "buffer"
)

// DeviceInitError reports the stage at which opening a device failed.
type DeviceInitError struct {
	Stage string
	Err   error
}

func (e *DeviceInitError) Error() string {
	return fmt.Sprintf("sdr: init failed at %s: %v", e.Stage, e.Err)
}

func (e *DeviceInitError) Unwrap() error { return e.Err }

// HardwareWriteError is a rejected attribute write.
type HardwareWriteError struct {
	Attr  iiod.Attr
	Value string
	Err   error
}

func (e *HardwareWriteError) Error() string {
	return fmt.Sprintf("sdr: write %s=%s: %v", e.Attr, e.Value, e.Err)
}

func (e *HardwareWriteError) Unwrap() error { return e.Err }

// RefillError wraps a failed blocking refill.
type RefillError struct {
	Err error
}

func (e *RefillError) Error() string { return "sdr: refill: " + e.Err.Error() }

func (e *RefillError) Unwrap() error { return e.Err }
