package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// bandIII maps DAB Band III channel labels to centre frequencies in kHz.
var bandIII = map[string]int64{
	"5A": 174928, "5B": 176640, "5C": 178352, "5D": 180064,
	"6A": 181936, "6B": 183648, "6C": 185360, "6D": 187072,
	"7A": 188928, "7B": 190640, "7C": 192352, "7D": 194064,
	"8A": 195936, "8B": 197648, "8C": 199360, "8D": 201072,
	"9A": 202928, "9B": 204640, "9C": 206352, "9D": 208064,
	"10A": 209936, "10N": 210096, "10B": 211648, "10C": 213360, "10D": 215072,
	"11A": 216928, "11N": 217088, "11B": 218640, "11C": 220352, "11D": 222064,
	"12A": 223936, "12N": 224096, "12B": 225648, "12C": 227360, "12D": 229072,
	"13A": 230784, "13B": 232496, "13C": 234208, "13D": 235776, "13E": 237488, "13F": 239200,
}

// ChannelFrequency returns the centre frequency in Hz of a Band III channel
// such as "12C".
func ChannelFrequency(label string) (int64, error) {
	khz, ok := bandIII[strings.ToUpper(strings.TrimSpace(label))]
	if !ok {
		return 0, fmt.Errorf("unknown DAB channel %q", label)
	}
	return khz * 1000, nil
}

// Channels lists the known channel labels in frequency order.
func Channels() []string {
	out := make([]string, 0, len(bandIII))
	for k := range bandIII {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return bandIII[out[i]] < bandIII[out[j]] })
	return out
}

// ParseFrequency accepts plain Hz or a k/M/G suffixed value ("227.36M").
func ParseFrequency(s string) (int64, error) {
	val := strings.ToUpper(strings.TrimSpace(s))
	val = strings.TrimSuffix(val, "HZ")
	mult := 1.0
	switch {
	case strings.HasSuffix(val, "K"):
		mult, val = 1e3, strings.TrimSuffix(val, "K")
	case strings.HasSuffix(val, "M"):
		mult, val = 1e6, strings.TrimSuffix(val, "M")
	case strings.HasSuffix(val, "G"):
		mult, val = 1e9, strings.TrimSuffix(val, "G")
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	hz := int64(f*mult + 0.5)
	if hz <= 0 {
		return 0, fmt.Errorf("frequency must be positive, got %q", s)
	}
	return hz, nil
}
