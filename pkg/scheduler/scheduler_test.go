package scheduler

import (
	"math"
	"runtime"
	"sync/atomic"
	"testing"

	"aslmap/pkg/fit"
	"aslmap/pkg/volume"
)

// linearSource builds a per-voxel problem whose exact solution is half
// the target value stored at the voxel.
func linearSource(targets *volume.Volume) Source {
	return func(z, y, x int) (fit.Func, []float64, bool) {
		target := targets.At(z, y, x)
		model := func(params []float64) []float64 {
			return []float64{2 * params[0]}
		}
		return model, []float64{target}, true
	}
}

func rampVolume(z, y, x int) *volume.Volume {
	v := volume.New(z, y, x)
	data := v.Data()
	for i := range data {
		data[i] = float64(i + 1)
	}
	return v
}

// TestRunWorkerCountValidation verifies that invalid pool sizes are
// rejected before any voxel work is dispatched
func TestRunWorkerCountValidation(t *testing.T) {
	var called atomic.Bool
	source := func(z, y, x int) (fit.Func, []float64, bool) {
		called.Store(true)
		return nil, nil, false
	}

	base := Config{
		Mask:   volume.Ones(2, 2, 2),
		Guess:  []float64{1},
		Lower:  []float64{0},
		Upper:  []float64{10},
		Source: source,
	}

	for _, workers := range []int{0, -1, runtime.NumCPU() + 1} {
		cfg := base
		cfg.Workers = workers
		if _, err := Run(cfg); err == nil {
			t.Errorf("Workers=%d: expected a configuration error", workers)
		}
	}
	if called.Load() {
		t.Error("Source ran despite the configuration error")
	}
}

// TestRunConfigValidation verifies the remaining configuration checks
func TestRunConfigValidation(t *testing.T) {
	source := func(z, y, x int) (fit.Func, []float64, bool) { return nil, nil, false }

	cases := []struct {
		name string
		cfg  Config
	}{
		{"nil mask", Config{Workers: 1, Guess: []float64{1}, Lower: []float64{0}, Upper: []float64{1}, Source: source}},
		{"mask rank", Config{Workers: 1, Mask: volume.Ones(2, 2), Guess: []float64{1}, Lower: []float64{0}, Upper: []float64{1}, Source: source}},
		{"nil source", Config{Workers: 1, Mask: volume.Ones(2, 2, 2), Guess: []float64{1}, Lower: []float64{0}, Upper: []float64{1}}},
		{"empty guess", Config{Workers: 1, Mask: volume.Ones(2, 2, 2), Lower: nil, Upper: nil, Source: source}},
		{"bounds length", Config{Workers: 1, Mask: volume.Ones(2, 2, 2), Guess: []float64{1}, Lower: []float64{0, 0}, Upper: []float64{1}, Source: source}},
		{"inverted bounds", Config{Workers: 1, Mask: volume.Ones(2, 2, 2), Guess: []float64{1}, Lower: []float64{5}, Upper: []float64{1}, Source: source}},
	}
	for _, c := range cases {
		if _, err := Run(c.cfg); err == nil {
			t.Errorf("%s: expected a configuration error", c.name)
		}
	}
}

// TestRunFitsEveryMaskedVoxel verifies the fitted values land at the
// right voxel coordinates
func TestRunFitsEveryMaskedVoxel(t *testing.T) {
	targets := rampVolume(3, 4, 5)

	result, err := Run(Config{
		Workers: 1,
		Mask:    volume.Ones(3, 4, 5),
		Guess:   []float64{0},
		Lower:   []float64{0},
		Upper:   []float64{1000},
		Source:  linearSource(targets),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m := result.Maps[0]
	for z := 0; z < 3; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				want := targets.At(z, y, x) / 2
				got := m.At(z, y, x)
				if math.Abs(got-want) > 1e-6 {
					t.Errorf("Voxel (%d,%d,%d): expected %g, got %g", z, y, x, want, got)
				}
			}
		}
	}
	if result.Report.Masked != 60 || result.Report.Fitted != 60 {
		t.Errorf("Expected 60 masked and fitted voxels, got %+v", result.Report)
	}
}

// TestRunWorkerCountInvariance verifies that the pool size never
// changes the computed maps
func TestRunWorkerCountInvariance(t *testing.T) {
	targets := rampVolume(4, 6, 8)
	run := func(workers int) *Result {
		result, err := Run(Config{
			Workers: workers,
			Mask:    volume.Ones(4, 6, 8),
			Guess:   []float64{0},
			Lower:   []float64{0},
			Upper:   []float64{1000},
			Source:  linearSource(targets),
		})
		if err != nil {
			t.Fatalf("Workers=%d: unexpected error: %v", workers, err)
		}
		return result
	}

	serial := run(1)
	parallel := run(min(runtime.NumCPU(), 4))

	a, b := serial.Maps[0].Data(), parallel.Maps[0].Data()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Element %d differs between pool sizes: %g vs %g", i, a[i], b[i])
		}
	}
	if serial.Report != parallel.Report {
		t.Errorf("Report differs between pool sizes: %+v vs %+v", serial.Report, parallel.Report)
	}
}

// TestRunMaskGating verifies that unmasked voxels are skipped entirely
// and keep the zero initialization
func TestRunMaskGating(t *testing.T) {
	mask := volume.New(2, 2, 2)
	mask.Set(1, 0, 0, 0)
	mask.Set(1, 1, 1, 1)

	var visits atomic.Int64
	targets := rampVolume(2, 2, 2)
	inner := linearSource(targets)
	source := func(z, y, x int) (fit.Func, []float64, bool) {
		visits.Add(1)
		return inner(z, y, x)
	}

	result, err := Run(Config{
		Workers: 1,
		Mask:    mask,
		Guess:   []float64{0},
		Lower:   []float64{0},
		Upper:   []float64{1000},
		Source:  source,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if visits.Load() != 2 {
		t.Errorf("Expected 2 source visits, got %d", visits.Load())
	}
	m := result.Maps[0]
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				masked := mask.At(z, y, x) != 0
				if !masked && m.At(z, y, x) != 0 {
					t.Errorf("Unmasked voxel (%d,%d,%d) was written: %g", z, y, x, m.At(z, y, x))
				}
				if masked && m.At(z, y, x) == 0 {
					t.Errorf("Masked voxel (%d,%d,%d) was not fitted", z, y, x)
				}
			}
		}
	}
	if result.Report.Masked != 2 {
		t.Errorf("Expected 2 masked voxels, got %d", result.Report.Masked)
	}
}

// TestRunGuardedVoxels verifies that source rejections write the
// fallback sentinel and are counted separately from fit failures
func TestRunGuardedVoxels(t *testing.T) {
	targets := rampVolume(1, 2, 2)
	inner := linearSource(targets)
	source := func(z, y, x int) (fit.Func, []float64, bool) {
		if x == 0 {
			return nil, nil, false
		}
		return inner(z, y, x)
	}

	sentinel := math.NaN()
	result, err := Run(Config{
		Workers:  1,
		Mask:     volume.Ones(1, 2, 2),
		Guess:    []float64{0},
		Lower:    []float64{0},
		Upper:    []float64{1000},
		Fallback: sentinel,
		Source:   source,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m := result.Maps[0]
	for y := 0; y < 2; y++ {
		if !math.IsNaN(m.At(0, y, 0)) {
			t.Errorf("Guarded voxel (0,%d,0) should carry the sentinel, got %g", y, m.At(0, y, 0))
		}
		if math.IsNaN(m.At(0, y, 1)) {
			t.Errorf("Fitted voxel (0,%d,1) should not carry the sentinel", y)
		}
	}
	if result.Report.Guarded != 2 || result.Report.Fitted != 2 {
		t.Errorf("Expected 2 guarded and 2 fitted voxels, got %+v", result.Report)
	}
}

// TestRunFallbackOnNoConvergence verifies the per-voxel failure
// isolation: a non-convergent fit writes the sentinel and the run
// completes without error
func TestRunFallbackOnNoConvergence(t *testing.T) {
	source := func(z, y, x int) (fit.Func, []float64, bool) {
		model := func(params []float64) []float64 {
			return []float64{params[0] * math.Exp(-20 / params[1])}
		}
		return model, []float64{7}, true
	}

	result, err := Run(Config{
		Workers:  1,
		Mask:     volume.Ones(1, 1, 2),
		Guess:    []float64{1, 5},
		Lower:    []float64{0, 0},
		Upper:    []float64{1000, 1000},
		Fallback: -1,
		Source:   source,
		// Zero tolerances with a one-step budget force the failure path.
		Solver: fit.Settings{MaxIterations: 1},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.Report.Fallbacks != 2 {
		t.Errorf("Expected 2 fallback voxels, got %+v", result.Report)
	}
	for x := 0; x < 2; x++ {
		if result.Maps[0].At(0, 0, x) != -1 || result.Maps[1].At(0, 0, x) != -1 {
			t.Errorf("Voxel (0,0,%d) should carry the fallback sentinel", x)
		}
	}
	if result.Report.ConvergenceRate() != 0 {
		t.Errorf("Expected zero convergence rate, got %g", result.Report.ConvergenceRate())
	}
}

// TestRunProgress verifies that exactly one progress event fires per
// outer-axis chunk with a monotone completed count
func TestRunProgress(t *testing.T) {
	targets := rampVolume(2, 3, 7)

	var events []int
	_, err := Run(Config{
		Workers: 1,
		Mask:    volume.Ones(2, 3, 7),
		Guess:   []float64{0},
		Lower:   []float64{0},
		Upper:   []float64{1000},
		Source:  linearSource(targets),
		Progress: func(completed, total int) {
			if total != 7 {
				t.Errorf("Expected total 7, got %d", total)
			}
			events = append(events, completed)
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(events) != 7 {
		t.Fatalf("Expected 7 progress events, got %d", len(events))
	}
	for i, c := range events {
		if c != i+1 {
			t.Errorf("Event %d: expected completed=%d, got %d", i, i+1, c)
		}
	}
}

// TestConvergenceRateEmptyMask verifies the empty-mask convention
func TestConvergenceRateEmptyMask(t *testing.T) {
	if r := (Report{}).ConvergenceRate(); r != 1 {
		t.Errorf("Expected rate 1 for an empty mask, got %g", r)
	}
}
