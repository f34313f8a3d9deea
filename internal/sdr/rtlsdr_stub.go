//go:build !rtlsdr

package sdr

import (
	"context"
	"fmt"

	"github.com/rjboer/GoDAB/internal/logging"
)

// OpenRTLSDR reports ErrUnavailable; build with -tags rtlsdr for librtlsdr.
func OpenRTLSDR(_ context.Context, cfg RTLSDRConfig, _ logging.Logger) (Device, error) {
	return nil, &DeviceInitError{Stage: StageContext, Err: fmt.Errorf("rtlsdr index %d: %w", cfg.Index, ErrUnavailable)}
}
