package telemetry

import (
	"github.com/rjboer/GoDAB/internal/logging"
)

// StdoutReporter logs each snapshot through the structured logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	return StdoutReporter{logger: logging.OrDefault(logger)}
}

func (r StdoutReporter) Report(s Sample) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "device", Value: s.Device},
		{Key: "frequency_hz", Value: s.FrequencyHz},
		{Key: "running", Value: s.Running},
		{Key: "available", Value: s.Available},
		{Key: "refills", Value: s.Refills},
	}
	if s.RefillErrors != 0 {
		fields = append(fields, logging.Field{Key: "refill_errors", Value: s.RefillErrors})
	}
	if s.Overwritten != 0 {
		fields = append(fields, logging.Field{Key: "overwritten", Value: s.Overwritten})
	}
	if s.LevelDBFS != 0 {
		fields = append(fields,
			logging.Field{Key: "level_dbfs", Value: s.LevelDBFS},
			logging.Field{Key: "peak_dbfs", Value: s.PeakDBFS},
			logging.Field{Key: "peak_offset_hz", Value: s.PeakOffsetHz},
		)
	}
	r.logger.Info("acquisition sample", fields...)
}
