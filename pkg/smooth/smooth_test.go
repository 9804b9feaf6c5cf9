package smooth

import (
	"math"
	"testing"

	"aslmap/pkg/volume"
)

func noisyVolume(z, y, x int) *volume.Volume {
	v := volume.New(z, y, x)
	data := v.Data()
	// Deterministic high-frequency pattern around a mean of 100.
	for i := range data {
		if i%2 == 0 {
			data[i] = 120
		} else {
			data[i] = 80
		}
	}
	return v
}

// TestParseFilter verifies the selector enum boundary
func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("gaussian")
	if err != nil || f != FilterGaussian {
		t.Errorf("Expected FilterGaussian, got %v (%v)", f, err)
	}
	f, err = ParseFilter("median")
	if err != nil || f != FilterMedian {
		t.Errorf("Expected FilterMedian, got %v (%v)", f, err)
	}
	if _, err := ParseFilter("bilateral"); err == nil {
		t.Error("Expected an error for an unsupported selector")
	}
}

// TestFilterString verifies the round trip through the selector names
func TestFilterString(t *testing.T) {
	if FilterGaussian.String() != "gaussian" {
		t.Errorf("Expected \"gaussian\", got %q", FilterGaussian.String())
	}
	if FilterMedian.String() != "median" {
		t.Errorf("Expected \"median\", got %q", FilterMedian.String())
	}
}

// TestApplyNilPassthrough verifies that a nil options pointer leaves the
// maps untouched
func TestApplyNilPassthrough(t *testing.T) {
	maps := map[string]*volume.Volume{"cbf": noisyVolume(2, 4, 4)}
	out, err := Apply(maps, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out["cbf"] != maps["cbf"] {
		t.Error("Nil options should pass the maps through unchanged")
	}
}

// TestGaussianReducesVariance verifies the smoothing effect and mean
// preservation
func TestGaussianReducesVariance(t *testing.T) {
	v := noisyVolume(4, 8, 8)
	before := v.StdDev()
	mean := v.Mean()

	out, err := Apply(map[string]*volume.Volume{"m": v}, &Options{Filter: FilterGaussian, Sigma: 1.5})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	smoothed := out["m"]

	if smoothed.StdDev() >= before {
		t.Errorf("Expected stddev to drop below %g, got %g", before, smoothed.StdDev())
	}
	if math.Abs(smoothed.Mean()-mean) > 1.0 {
		t.Errorf("Expected the mean to stay near %g, got %g", mean, smoothed.Mean())
	}
	if !smoothed.SameShape(v) {
		t.Error("Smoothing changed the volume shape")
	}
}

// TestGaussianLeavesInputUntouched verifies that filtering allocates a
// new volume instead of mutating its input
func TestGaussianLeavesInputUntouched(t *testing.T) {
	v := noisyVolume(2, 4, 4)
	snapshot := v.Clone()

	if _, err := Apply(map[string]*volume.Volume{"m": v}, &Options{Filter: FilterGaussian, Sigma: 1}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i, e := range v.Data() {
		if e != snapshot.Data()[i] {
			t.Fatal("Gaussian mutated its input volume")
		}
	}
}

// TestMedianRemovesSpike verifies outlier suppression by the cubic
// median window
func TestMedianRemovesSpike(t *testing.T) {
	v := volume.New(5, 5, 5)
	v.Fill(10)
	v.Set(1e6, 2, 2, 2)

	out, err := Apply(map[string]*volume.Volume{"m": v}, &Options{Filter: FilterMedian, Size: 3})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := out["m"].At(2, 2, 2); got != 10 {
		t.Errorf("Expected the spike replaced by 10, got %g", got)
	}
}

// TestMedianEvenSizeFallsBack verifies the even-window fallback to 3
func TestMedianEvenSizeFallsBack(t *testing.T) {
	v := volume.New(4, 4, 4)
	v.Fill(7)

	out, err := Apply(map[string]*volume.Volume{"m": v}, &Options{Filter: FilterMedian, Size: 4})
	if err != nil {
		t.Fatalf("Even size should fall back, not fail: %v", err)
	}
	if out["m"].At(1, 1, 1) != 7 {
		t.Error("Fallback median altered a constant volume")
	}
}

// TestApplyValidation verifies the parameter and selector error paths
func TestApplyValidation(t *testing.T) {
	maps := map[string]*volume.Volume{"m": volume.New(2, 2, 2)}

	if _, err := Apply(maps, &Options{Filter: FilterGaussian, Sigma: 0}); err == nil {
		t.Error("Expected an error for sigma 0")
	}
	if _, err := Apply(maps, &Options{Filter: FilterGaussian, Sigma: -2}); err == nil {
		t.Error("Expected an error for a negative sigma")
	}
	if _, err := Apply(maps, &Options{Filter: FilterMedian, Size: 0}); err == nil {
		t.Error("Expected an error for size 0")
	}
	if _, err := Apply(maps, &Options{Filter: Filter(99), Sigma: 1}); err == nil {
		t.Error("Expected an error for an unknown filter value")
	}
}

// TestGaussianSmoothsFramesIndependently verifies that 4D stacks are
// filtered frame by frame without bleeding across the leading axis
func TestGaussianSmoothsFramesIndependently(t *testing.T) {
	v := volume.New(2, 3, 4, 4)
	frame := 3 * 4 * 4
	for i := 0; i < frame; i++ {
		v.Data()[i] = 100
		v.Data()[frame+i] = 200
	}

	out, err := Apply(map[string]*volume.Volume{"m": v}, &Options{Filter: FilterGaussian, Sigma: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := 0; i < frame; i++ {
		if math.Abs(out["m"].Data()[i]-100) > 1e-9 {
			t.Fatalf("Frame 0 element %d drifted from its constant: %g", i, out["m"].Data()[i])
		}
		if math.Abs(out["m"].Data()[frame+i]-200) > 1e-9 {
			t.Fatalf("Frame 1 element %d drifted from its constant: %g", i, out["m"].Data()[frame+i])
		}
	}
}
