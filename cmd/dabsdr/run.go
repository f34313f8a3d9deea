package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/cobra"

	"github.com/rjboer/GoDAB/internal/config"
	"github.com/rjboer/GoDAB/internal/dsp"
	"github.com/rjboer/GoDAB/internal/logging"
	"github.com/rjboer/GoDAB/internal/mdns"
	"github.com/rjboer/GoDAB/internal/sdr"
	"github.com/rjboer/GoDAB/internal/telemetry"
)

const discoverTimeout = 3 * time.Second

type runOptions struct {
	device      string
	channel     string
	frequency   string
	webAddr     string
	gain        int
	agc         bool
	duration    time.Duration
	openRetries uint64
	save        bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire samples and report acquisition statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := g.load()
			if err != nil {
				return err
			}
			if err := o.apply(cmd, &cfg); err != nil {
				return err
			}
			logger, err := g.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if o.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, o.duration)
				defer cancel()
			}

			s, err := newSession(cfg, logger)
			if err != nil {
				return err
			}
			s.openRetries = o.openRetries
			final, runErr := s.run(ctx)
			if o.save && runErr == nil {
				if err := config.Save(path, final); err != nil {
					return err
				}
				logger.Info("settings saved", logging.F("path", path))
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.device, "device", "d", "", "device: pluto, rtlsdr, replay or mock")
	f.StringVar(&o.channel, "channel", "", "DAB channel label, e.g. 12C")
	f.StringVarP(&o.frequency, "frequency", "f", "", "tuning frequency, e.g. 227.36M (overrides --channel)")
	f.StringVar(&o.webAddr, "web-addr", "", "telemetry listen address, empty to disable")
	f.IntVar(&o.gain, "gain", 0, "manual gain in dB")
	f.BoolVar(&o.agc, "agc", false, "enable automatic gain control")
	f.DurationVar(&o.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	f.Uint64Var(&o.openRetries, "open-retries", 5, "retries when the device is unreachable")
	f.BoolVar(&o.save, "save", true, "write the final settings back to the settings file")
	return cmd
}

// apply copies explicitly set flags over cfg.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("device") {
		cfg.Device.Name = o.device
	}
	if f.Changed("channel") {
		if _, err := config.ChannelFrequency(o.channel); err != nil {
			return err
		}
		cfg.Device.Channel = o.channel
	}
	if f.Changed("frequency") {
		hz, err := config.ParseFrequency(o.frequency)
		if err != nil {
			return err
		}
		cfg.Device.Frequency = hz
		cfg.Device.Channel = ""
	}
	if f.Changed("web-addr") {
		cfg.Telemetry.WebAddr = o.webAddr
	}
	if f.Changed("gain") {
		cfg.Pluto.Gain = o.gain
		cfg.RTLSDR.Gain = o.gain * 10
		cfg.Pluto.AGC, cfg.RTLSDR.AGC = false, false
	}
	if f.Changed("agc") {
		cfg.Pluto.AGC, cfg.RTLSDR.AGC = o.agc, o.agc
	}
	return nil
}

// session wires one acquisition run: device, telemetry and the consumer.
type session struct {
	cfg         config.Config
	logger      logging.Logger
	hub         *telemetry.Hub
	metrics     *telemetry.Metrics
	openRetries uint64
}

func newSession(cfg config.Config, logger logging.Logger) (*session, error) {
	logger = logging.OrDefault(logger)
	hub := telemetry.NewHub(cfg.Telemetry.HistoryLimit, logger)
	_, err := hub.SetConfig(telemetry.Config{
		HistoryLimit: cfg.Telemetry.HistoryLimit,
		SpectrumSize: cfg.Telemetry.SpectrumSize,
		IntervalMs:   int(cfg.Telemetry.Interval / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry settings: %w", err)
	}
	return &session{
		cfg:         cfg,
		logger:      logger,
		hub:         hub,
		metrics:     telemetry.NewMetrics(),
		openRetries: 5,
	}, nil
}

// run acquires until ctx is done and returns the settings the session ended
// with.
func (s *session) run(ctx context.Context) (config.Config, error) {
	cfg := s.cfg
	if strings.EqualFold(cfg.Device.Name, "pluto") && cfg.Pluto.Discover {
		s.discoverPluto(ctx, &cfg)
	}

	sdrCfg, err := cfg.SDR()
	if err != nil {
		return cfg, err
	}
	spectrum, err := dsp.NewSpectrum(s.hub.ConfigSnapshot().SpectrumSize, cfg.SampleRate())
	if err != nil {
		return cfg, err
	}

	recv, err := s.open(ctx, sdrCfg)
	if err != nil {
		return cfg, err
	}
	defer func() {
		if err := recv.Close(); err != nil {
			s.logger.Error("close receiver", logging.Err(err))
		}
	}()

	if err := recv.RestartReader(ctx, sdrCfg.Frequency); err != nil {
		return cfg, fmt.Errorf("start reader: %w", err)
	}
	s.logger.Info("acquisition started",
		logging.F("device", recv.DeviceName()),
		logging.F("frequency", recv.VFOFrequency()),
		logging.F("bit_depth", recv.BitDepth()))

	if cfg.Telemetry.WebAddr != "" {
		srv := telemetry.NewWebServer(cfg.Telemetry.WebAddr, s.hub, s.metrics, s.logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				s.logger.Error("web telemetry", logging.Err(err))
			}
		}()
	}

	reporters := telemetry.MultiReporter{s.hub, s.metrics}
	if cfg.Telemetry.Stdout {
		reporters = append(reporters, telemetry.NewStdoutReporter(s.logger))
	}
	s.consume(ctx, recv, spectrum, reporters)

	if err := recv.StopReader(); err != nil {
		s.logger.Error("stop reader", logging.Err(err))
	}
	return s.remember(cfg, recv), nil
}

func (s *session) discoverPluto(ctx context.Context, cfg *config.Config) {
	hosts, err := mdns.DiscoverIIOD(ctx, discoverTimeout, s.logger)
	if err != nil {
		s.logger.Warn("iiod discovery failed", logging.Err(err))
		return
	}
	uri, err := mdns.SelectURI(hosts, "pluto")
	if err != nil {
		s.logger.Warn("no pluto advertised, using configured uri", logging.F("uri", cfg.Pluto.URI))
		return
	}
	s.logger.Info("pluto discovered", logging.F("uri", uri))
	cfg.Pluto.URI = uri
}

// open retries while a network device is unreachable; any other init
// failure is final.
func (s *session) open(ctx context.Context, cfg sdr.Config) (*sdr.Receiver, error) {
	remote := cfg.Device == "" || strings.EqualFold(cfg.Device, "pluto")
	var recv *sdr.Receiver
	op := func() error {
		r, err := sdr.Open(ctx, cfg, s.logger, s.metrics)
		if err != nil {
			if remote && unreachable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		recv = r
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.openRetries), ctx)
	notify := func(err error, next time.Duration) {
		s.logger.Warn("device unreachable, retrying", logging.Err(err), logging.F("retry_in", next.String()))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return recv, nil
}

func unreachable(err error) bool {
	var initErr *sdr.DeviceInitError
	return errors.As(err, &initErr) && initErr.Stage == sdr.StageContext
}

type rssiReader interface {
	ReadRSSI(ctx context.Context) (float64, error)
}

// consume drains the ring the way a demodulator would and reports a
// snapshot every telemetry interval. Interval and spectrum size follow the
// hub configuration, which may change while running. Level and spectrum are
// only reported for samples drained within the current interval.
func (s *session) consume(ctx context.Context, recv *sdr.Receiver, spectrum *dsp.Spectrum, r telemetry.Reporter) {
	rate := s.cfg.SampleRate()
	buf := make([]complex64, spectrum.Size())
	var (
		consumed uint64
		filled   int
		last     = time.Now()
	)

	for ctx.Err() == nil {
		live := s.hub.ConfigSnapshot()
		interval := time.Duration(live.IntervalMs) * time.Millisecond
		if size := fitSpectrum(live.SpectrumSize, recv.Capacity()); size != len(buf) {
			if err := spectrum.Resize(size, rate); err != nil {
				s.logger.Warn("spectrum resize", logging.Err(err))
			} else {
				if size != live.SpectrumSize {
					s.logger.Warn("spectrum size limited to ring capacity",
						logging.F("requested", live.SpectrumSize), logging.F("size", size))
				}
				buf = make([]complex64, size)
				filled = 0
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, time.Until(last.Add(interval)))
		err := recv.WaitSamples(waitCtx, len(buf))
		if err != nil && waitCtx.Err() == nil {
			<-waitCtx.Done()
		}
		cancel()
		if err == nil {
			filled = recv.GetSamples(buf)
			consumed += uint64(filled)
		}
		if time.Since(last) < interval {
			continue
		}
		last = time.Now()

		sample := s.snapshot(ctx, recv, consumed)
		if filled == len(buf) {
			if res, err := spectrum.Analyze(buf); err == nil {
				sample.LevelDBFS = res.LevelDBFS
				sample.PeakDBFS = res.PeakDBFS
				sample.PeakOffsetHz = res.PeakOffsetHz
				sample.SNR = res.SNR()
				s.hub.UpdateSpectrumSnapshot(res.Bins, recv.DeviceName())
			}
		}
		filled = 0
		r.Report(sample)
	}
}

// fitSpectrum returns size, or the largest power of two that fits in a ring
// of capacity samples when size does not.
func fitSpectrum(size, capacity int) int {
	if size <= capacity {
		return size
	}
	fit := 1
	for fit*2 <= capacity {
		fit *= 2
	}
	return fit
}

func (s *session) snapshot(ctx context.Context, recv *sdr.Receiver, consumed uint64) telemetry.Sample {
	ws, rs := recv.Stats(), recv.RingStats()
	sample := telemetry.Sample{
		Timestamp:    time.Now(),
		Device:       recv.DeviceName(),
		FrequencyHz:  recv.VFOFrequency(),
		Running:      recv.Running(),
		Available:    recv.Samples(),
		Capacity:     recv.Capacity(),
		Refills:      ws.Refills,
		RefillErrors: ws.RefillErrors,
		Produced:     rs.Written,
		Consumed:     consumed,
		Overwritten:  rs.Overwritten,
	}
	if rr, ok := recv.Device().(rssiReader); ok {
		if v, err := rr.ReadRSSI(ctx); err == nil {
			sample.RSSI = v
		} else if ctx.Err() == nil {
			s.logger.Debug("rssi unavailable", logging.Err(err))
		}
	}
	return sample
}

// remember folds the session's final tuning and gain back into cfg.
func (s *session) remember(cfg config.Config, recv *sdr.Receiver) config.Config {
	if cfg.Device.Channel == "" {
		cfg.Device.Frequency = recv.VFOFrequency()
	}
	gain, ok := recv.Gain()
	if !ok {
		return cfg
	}
	state := gain.GainState()
	switch strings.ToLower(cfg.Device.Name) {
	case "pluto", "":
		cfg.Pluto.Gain = state.RequestedGain
		cfg.Pluto.AGC = state.RequestedAGC
	case "rtlsdr":
		cfg.RTLSDR.Gain = state.RequestedGain
		cfg.RTLSDR.AGC = state.RequestedAGC
	}
	return cfg
}
