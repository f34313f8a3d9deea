package dsp

import (
	"math"
	"testing"
)

func TestHamming(t *testing.T) {
	win := Hamming(4)
	expected := []float64{0.08, 0.77, 0.77, 0.08}
	if len(win) != len(expected) {
		t.Fatalf("unexpected length: %d", len(win))
	}
	for i := range expected {
		if math.Abs(win[i]-expected[i]) > 1e-6 {
			t.Fatalf("index %d expected %.2f got %.6f", i, expected[i], win[i])
		}
	}
	if len(Hamming(0)) != 0 || Hamming(1)[0] != 1 {
		t.Fatal("unexpected degenerate windows")
	}
	if math.Abs(CoherentGain(win)-1.7) > 1e-9 {
		t.Fatalf("unexpected coherent gain %v", CoherentGain(win))
	}
}

func TestApplyWindow(t *testing.T) {
	samples := []complex64{1 + 1i, 2 + 0i}
	win := []float64{0.5, 0.25}
	out := ApplyWindow(nil, samples, win)
	if len(out) != 2 {
		t.Fatalf("length mismatch")
	}
	if real(out[0]) != 0.5 || imag(out[0]) != 0.5 || real(out[1]) != 0.5 {
		t.Fatalf("unexpected values %v", out)
	}

	dst := make([]complex128, 8)
	if got := ApplyWindow(dst, samples, win); &got[0] != &dst[0] || len(got) != 2 {
		t.Fatal("expected dst to be reused")
	}
	if ApplyWindow(nil, samples, []float64{1}) != nil {
		t.Fatalf("expected nil when lengths differ")
	}
}
