package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoDAB/internal/sdr"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dabsdr.ini")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	for _, want := range []string{"[device]", "[pluto]", "[rtlsdr]", "[acquisition]", "[telemetry]", "rf_port", "stop_timeout"} {
		assert.Contains(t, text, want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dabsdr.ini")
	cfg := Default()
	cfg.Device.Name = "replay"
	cfg.Device.Channel = ""
	cfg.Device.Frequency = 202_928_000
	cfg.Pluto.Gain = 33
	cfg.Pluto.AGC = true
	cfg.Pluto.SSHHost = "pluto.local"
	cfg.Replay.Path = "/tmp/capture.iq"
	cfg.Acquisition.StopTimeout = 750 * time.Millisecond
	cfg.Telemetry.Interval = 250 * time.Millisecond

	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dabsdr.ini")
	require.NoError(t, os.WriteFile(path, []byte("[device]\nchannel = 5A\n\n[pluto]\ngain = 10\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "5A", cfg.Device.Channel)
	assert.Equal(t, 10, cfg.Pluto.Gain)
	assert.Equal(t, "pluto", cfg.Device.Name)
	assert.Equal(t, Default().Pluto.RFPort, cfg.Pluto.RFPort)

	hz, err := cfg.Frequency()
	require.NoError(t, err)
	assert.Equal(t, int64(174_928_000), hz)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dabsdr.ini")
	require.NoError(t, os.WriteFile(path, []byte("[pluto]\ngain = loud\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"DABSDR_DEVICE":       "mock",
		"DABSDR_FREQUENCY":    "227.36M",
		"DABSDR_PLUTO_GAIN":   "20",
		"DABSDR_PLUTO_AGC":    "true",
		"DABSDR_WEB_ADDR":     "",
		"DABSDR_LOG_LEVEL":    "debug",
		"DABSDR_RTLSDR_INDEX": "1",
	}))
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Device.Name)
	assert.Empty(t, cfg.Device.Channel, "an explicit frequency clears the channel")
	assert.Equal(t, int64(227_360_000), cfg.Device.Frequency)
	assert.Equal(t, 20, cfg.Pluto.Gain)
	assert.True(t, cfg.Pluto.AGC)
	assert.Empty(t, cfg.Telemetry.WebAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 1, cfg.RTLSDR.Index)
}

func TestApplyEnvReportsAllErrors(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"DABSDR_PLUTO_GAIN": "x",
		"DABSDR_PLUTO_AGC":  "maybe",
		"DABSDR_FREQUENCY":  "-3",
	}))
	require.Error(t, err)
	for _, key := range []string{"DABSDR_PLUTO_GAIN", "DABSDR_PLUTO_AGC", "DABSDR_FREQUENCY"} {
		assert.Contains(t, err.Error(), key)
	}
	assert.Equal(t, Default().Pluto.Gain, cfg.Pluto.Gain)
	assert.Equal(t, "12C", cfg.Device.Channel)
}

func TestLocation(t *testing.T) {
	assert.Equal(t, "x.ini", Location("x.ini", envMap(map[string]string{EnvFile: "y.ini"})))
	assert.Equal(t, "y.ini", Location("", envMap(map[string]string{EnvFile: "y.ini"})))
	assert.Equal(t, DefaultFile, Location("", noEnv))
}

func TestSDRConversion(t *testing.T) {
	cfg := Default()
	cfg.Pluto.SSHHost = "192.168.2.1"
	cfg.Pluto.SSHPassword = "analog"

	out, err := cfg.SDR()
	require.NoError(t, err)
	assert.Equal(t, "pluto", out.Device)
	assert.Equal(t, int64(227_360_000), out.Frequency)
	assert.Equal(t, out.Frequency, out.Pluto.Frequency)
	assert.Equal(t, int64(sdr.DefaultPlutoSampleRate), out.Pluto.SampleRate)
	require.NotNil(t, out.Pluto.SSH)
	assert.Equal(t, "root", out.Pluto.SSH.User)
	assert.Equal(t, "analog", out.Pluto.SSH.Password)
	assert.Equal(t, float64(sdr.DefaultPlutoSampleRate), cfg.SampleRate())

	cfg.Device.Channel = ""
	_, err = cfg.SDR()
	assert.ErrorIs(t, err, sdr.ErrInvalidFrequency)

	cfg.Device.Channel = "14Z"
	_, err = cfg.SDR()
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	l, err := cfg.Logger(io.Discard)
	require.NoError(t, err)
	assert.NotNil(t, l)

	cfg.Log.Format = "xml"
	_, err = cfg.Logger(io.Discard)
	assert.Error(t, err)
}

func TestChannels(t *testing.T) {
	hz, err := ChannelFrequency(" 12c ")
	require.NoError(t, err)
	assert.Equal(t, int64(227_360_000), hz)

	_, err = ChannelFrequency("4A")
	assert.Error(t, err)

	list := Channels()
	assert.Equal(t, "5A", list[0])
	assert.Equal(t, "13F", list[len(list)-1])
	assert.Len(t, list, 41)
	assert.True(t, strings.HasPrefix(list[len(list)-2], "13"))
}

func TestParseFrequency(t *testing.T) {
	for in, want := range map[string]int64{
		"227360000": 227_360_000,
		"227.36M":   227_360_000,
		"227360k":   227_360_000,
		"1.2G":      1_200_000_000,
		"174928kHz": 174_928_000,
	} {
		got, err := ParseFrequency(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "abc", "0", "-5M"} {
		_, err := ParseFrequency(bad)
		assert.Error(t, err, bad)
	}
}
