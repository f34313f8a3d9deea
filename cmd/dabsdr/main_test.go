package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/GoDAB/iiod/iiodtest"
	"github.com/rjboer/GoDAB/internal/config"
	"github.com/rjboer/GoDAB/internal/dsp"
	"github.com/rjboer/GoDAB/internal/logging"
	"github.com/rjboer/GoDAB/internal/sdr"
	"github.com/rjboer/GoDAB/internal/telemetry"
)

func noEnv(string) (string, bool) { return "", false }

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(noEnv)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mockConfig(t *testing.T) (config.Config, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dabsdr.ini")
	cfg := config.Default()
	cfg.Device.Name = "mock"
	cfg.Telemetry.WebAddr = ""
	cfg.Telemetry.Interval = 100 * time.Millisecond
	cfg.Telemetry.SpectrumSize = 1024
	cfg.Acquisition.RingCapacity = 1 << 18
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	return cfg, path
}

func TestChannelsCommand(t *testing.T) {
	out, err := execute(t, "channels")
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 41 {
		t.Fatalf("expected 41 channels, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "5A") || !strings.Contains(lines[0], "174.928 MHz") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
}

func TestRunMockSavesFrequency(t *testing.T) {
	_, path := mockConfig(t)

	_, err := execute(t, "run", "-c", path, "--frequency", "202.928M", "--gain", "30", "--duration", "400ms")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.Device.Channel != "" || saved.Device.Frequency != 202_928_000 {
		t.Fatalf("frequency not persisted: channel=%q freq=%d", saved.Device.Channel, saved.Device.Frequency)
	}
	if saved.Pluto.Gain != 30 || saved.Pluto.AGC {
		t.Fatalf("gain not persisted: %+v", saved.Pluto)
	}
}

func TestRunNoSaveLeavesFile(t *testing.T) {
	cfg, path := mockConfig(t)

	if _, err := execute(t, "run", "-c", path, "--channel", "5A", "--duration", "200ms", "--save=false"); err != nil {
		t.Fatalf("run: %v", err)
	}
	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.Device.Channel != cfg.Device.Channel {
		t.Fatalf("settings rewritten: channel %q", saved.Device.Channel)
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	_, path := mockConfig(t)

	if _, err := execute(t, "run", "-c", path, "--channel", "4Z"); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
	if _, err := execute(t, "run", "-c", path, "--frequency", "fast"); err == nil {
		t.Fatalf("expected error for bad frequency")
	}
	if _, err := execute(t, "run", "-c", path, "--device", "hackrf", "--duration", "100ms"); err == nil {
		t.Fatalf("expected error for unknown device")
	}
}

func TestSessionReportsTelemetry(t *testing.T) {
	cfg, _ := mockConfig(t)
	s, err := newSession(cfg, logging.New(logging.Error, logging.Text, io.Discard))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := s.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	history := s.hub.History()
	if len(history) == 0 {
		t.Fatalf("no telemetry reported")
	}
	last := history[len(history)-1]
	if last.Device != "mock" || last.Produced == 0 || last.Consumed == 0 {
		t.Fatalf("unexpected sample %+v", last)
	}
	if last.Capacity != cfg.Acquisition.RingCapacity {
		t.Fatalf("capacity %d, want %d", last.Capacity, cfg.Acquisition.RingCapacity)
	}
	if got := s.hub.ConfigSnapshot().IntervalMs; got != 100 {
		t.Fatalf("interval %d ms, want 100", got)
	}
}

func TestSessionRejectsBadTelemetrySettings(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.SpectrumSize = 1000
	if _, err := newSession(cfg, nil); err == nil {
		t.Fatalf("expected error for non power-of-two spectrum size")
	}
}

func TestOpenUnreachablePluto(t *testing.T) {
	cfg := config.Default()
	cfg.Pluto.URI = "ip:127.0.0.1:1"
	s, err := newSession(cfg, logging.New(logging.Error, logging.Text, io.Discard))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	s.openRetries = 0

	sdrCfg, err := cfg.SDR()
	if err != nil {
		t.Fatalf("SDR: %v", err)
	}
	_, err = s.open(context.Background(), sdrCfg)
	var initErr *sdr.DeviceInitError
	if !errors.As(err, &initErr) || initErr.Stage != sdr.StageContext {
		t.Fatalf("expected context init error, got %v", err)
	}
	if !unreachable(err) {
		t.Fatalf("unreachable should classify %v as retryable", err)
	}
	if unreachable(errors.New("unknown device")) {
		t.Fatalf("plain errors must not be retried")
	}
}

func TestProbe(t *testing.T) {
	srv := iiodtest.NewServer(t)
	srv.Attrs[iiodtest.Key("iio:device1", "altvoltage0", true, "frequency")] = "227360000"
	srv.Attrs[iiodtest.Key("iio:device1", "voltage0", false, "hardwaregain")] = "40.000000 dB"

	var out bytes.Buffer
	if err := probe(context.Background(), &out, "ip:"+srv.Addr()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"iiod:     0.25 b6028fd v0.25",
		"ad9361-phy",
		"cf-ad9361-lpc",
		"rx_lo_hz:    227360000",
		"gain_db:     40.000000 dB",
		"rssi_db:     unavailable",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("probe output missing %q:\n%s", want, text)
		}
	}
}

func TestProbeUnreachable(t *testing.T) {
	err := probe(context.Background(), io.Discard, "127.0.0.1:1")
	var initErr *sdr.DeviceInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected DeviceInitError, got %v", err)
	}
}

func TestFitSpectrum(t *testing.T) {
	cases := []struct{ size, capacity, want int }{
		{1024, 1 << 18, 1024},
		{4096, 4096, 4096},
		{4096, 1024, 1024},
		{4096, 3000, 2048},
	}
	for _, c := range cases {
		if got := fitSpectrum(c.size, c.capacity); got != c.want {
			t.Fatalf("fitSpectrum(%d, %d) = %d, want %d", c.size, c.capacity, got, c.want)
		}
	}
}

// consumeFor runs the consumer loop of s against a mock device that stops
// producing after good refills.
func consumeFor(t *testing.T, s *session, ringCapacity int, good uint64, d time.Duration) {
	t.Helper()
	mock := sdr.NewMock(sdr.MockConfig{
		FailRefill: func(n uint64) error {
			if n >= good {
				return errors.New("link down")
			}
			return nil
		},
	})
	recv := sdr.NewReceiver(mock, sdr.ReceiverOptions{RingCapacity: ringCapacity})
	t.Cleanup(func() { recv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := recv.RestartReader(ctx, 227_360_000); err != nil {
		t.Fatalf("RestartReader: %v", err)
	}
	spectrum, err := dsp.NewSpectrum(s.hub.ConfigSnapshot().SpectrumSize, s.cfg.SampleRate())
	if err != nil {
		t.Fatalf("NewSpectrum: %v", err)
	}
	s.consume(ctx, recv, spectrum, s.hub)
}

func TestConsumeDropsLevelWhenDeviceStalls(t *testing.T) {
	cfg, _ := mockConfig(t)
	s, err := newSession(cfg, logging.New(logging.Error, logging.Text, io.Discard))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	consumeFor(t, s, 1<<18, 10, 550*time.Millisecond)

	history := s.hub.History()
	if len(history) < 3 {
		t.Fatalf("expected several reports, got %d", len(history))
	}
	if history[0].LevelDBFS == 0 {
		t.Fatalf("first report should carry the signal level: %+v", history[0])
	}
	last := history[len(history)-1]
	if last.LevelDBFS != 0 || last.PeakDBFS != 0 {
		t.Fatalf("stalled device still reports a level: %+v", last)
	}
	if last.RefillErrors == 0 {
		t.Fatalf("expected refill errors to be counted: %+v", last)
	}
}

func TestConsumeLimitsSpectrumToRing(t *testing.T) {
	cfg, _ := mockConfig(t)
	cfg.Telemetry.SpectrumSize = 4096
	s, err := newSession(cfg, logging.New(logging.Error, logging.Text, io.Discard))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	consumeFor(t, s, 3000, 1<<20, 350*time.Millisecond)

	history := s.hub.History()
	if len(history) == 0 {
		t.Fatalf("no reports")
	}
	leveled := false
	for _, h := range history {
		if h.LevelDBFS != 0 {
			leveled = true
		}
	}
	if !leveled {
		t.Fatalf("spectrum larger than the ring was never analysed: %+v", history)
	}
	resp := httptest.NewRecorder()
	telemetry.NewWebServer("", s.hub, nil, nil).Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/diagnostics/spectrum", nil))
	var snap telemetry.SpectrumSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode spectrum: %v", err)
	}
	if len(snap.Bins) != 2048 {
		t.Fatalf("spectrum has %d bins, want 2048", len(snap.Bins))
	}
}
