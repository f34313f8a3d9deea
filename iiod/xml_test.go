package iiod

import (
	"math"
	"testing"
)

func TestParseScanFormat(t *testing.T) {
	cases := []struct {
		in   string
		want ScanFormat
	}{
		{"le:S12/16>>0", ScanFormat{Signed: true, Bits: 12, Storage: 16}},
		{"be:u8/8>>0", ScanFormat{BigEndian: true, Bits: 8, Storage: 8}},
		{"le:s24/32X2>>8", ScanFormat{Signed: true, Bits: 24, Storage: 32, Shift: 8, Repeat: 2}},
	}
	for _, tc := range cases {
		got, err := ParseScanFormat(tc.in)
		if err != nil {
			t.Fatalf("ParseScanFormat(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseScanFormat(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	if f, _ := ParseScanFormat("le:s24/32X2>>8"); f.Bytes() != 8 {
		t.Fatalf("Bytes() = %d, want 8", f.Bytes())
	}

	for _, bad := range []string{"", "le", "le:x12/16", "le:S16/12", "le:S12>>0"} {
		if _, err := ParseScanFormat(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseContextSkipsPrefix(t *testing.T) {
	doc := "\x00\n<context name=\"local\"><device id=\"iio:device0\" name=\"x\" /></context>"
	ctx, err := ParseContext([]byte(doc))
	if err != nil {
		t.Fatalf("ParseContext failed: %v", err)
	}
	if ctx.Name != "local" || len(ctx.Devices) != 1 {
		t.Fatalf("unexpected context %+v", ctx)
	}
}

func TestDecodeEncodeIQ16(t *testing.T) {
	in := []complex64{complex(0.5, -0.25), complex(-1, 0.999)}
	raw := EncodeIQ16(in, 2048)

	out := make([]complex64, 2)
	if n := DecodeIQ16(out, raw, 0, 4, 2048); n != 2 {
		t.Fatalf("decoded %d samples", n)
	}
	for k := range in {
		if math.Abs(float64(real(out[k]-in[k]))) > 1.0/2048 || math.Abs(float64(imag(out[k]-in[k]))) > 1.0/2048 {
			t.Fatalf("sample %d = %v, want %v", k, out[k], in[k])
		}
	}

	// A stride larger than one pair skips the extra channel words.
	wide := []byte{1, 0, 2, 0, 9, 9, 9, 9, 3, 0, 4, 0, 9, 9, 9, 9}
	if n := DecodeIQ16(out, wide, 0, 8, 1); n != 2 || out[1] != complex(3, 4) {
		t.Fatalf("strided decode = %d %v", n, out)
	}
}
