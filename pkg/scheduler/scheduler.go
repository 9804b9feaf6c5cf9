// Package scheduler implements the voxel-wise parallel fitting engine.
//
// The spatial domain is partitioned along the X axis into independent
// chunks; a fixed-size pool of workers drains the chunk queue, and each
// worker sweeps the Y and Z axes of its chunk sequentially. Every masked
// voxel is fitted independently with the bounded least-squares solver and
// its parameters land in flat shared output buffers at the row-major
// linear index k*(Y*X) + j*X + i. Each voxel owns exactly one index and
// no two workers ever write the same index, so aggregation needs no
// locking: the buffers are reshaped to (Z,Y,X) once every chunk is done.
//
// A fit that fails to converge never aborts the run; the fallback
// sentinel is written and the failure is only visible in the Report
// counters and the map values themselves.
package scheduler

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"aslmap/pkg/fit"
	"aslmap/pkg/volume"
)

// Progress is invoked once per completed outer-axis chunk, on the
// caller's goroutine.
type Progress func(completed, total int)

// Source supplies the per-voxel fit problem: the model closure with all
// fixed inputs bound, and the observed signal vector. Returning ok=false
// rejects the voxel before the solver runs (data-quality guard); the
// fallback sentinel is written instead.
type Source func(z, y, x int) (model fit.Func, observed []float64, ok bool)

// Config parameterizes one scheduler run. All referenced data is
// read-only for the duration of the run except the output buffers the
// scheduler itself allocates.
type Config struct {
	// Workers is the pool size, validated against [1, runtime.NumCPU()].
	Workers int

	// Mask gates processing: voxels with a zero mask value are skipped
	// and keep the pre-initialized zero output.
	Mask *volume.Volume

	// Guess, Lower and Upper are shared across all voxels.
	Guess []float64
	Lower []float64
	Upper []float64

	// Fallback is written for guarded and non-convergent voxels. Zero
	// for maps where zero is out-of-band, NaN where zero is a valid
	// fitted value.
	Fallback float64

	// Source builds each voxel's fit problem.
	Source Source

	// Progress is optional.
	Progress Progress

	// Solver overrides the fit tolerances; the zero value selects
	// fit.DefaultSettings.
	Solver fit.Settings
}

// Report counts per-voxel outcomes of one run.
type Report struct {
	// Masked is the number of voxels inside the mask.
	Masked int64

	// Fitted is the number of voxels whose fit converged.
	Fitted int64

	// Guarded is the number of voxels rejected by the Source before the
	// solver ran.
	Guarded int64

	// Fallbacks is the number of voxels where the solver failed to
	// converge and the sentinel was written.
	Fallbacks int64
}

// ConvergenceRate returns the fraction of masked voxels that produced a
// converged fit. It reports 1 for an empty mask.
func (r Report) ConvergenceRate() float64 {
	if r.Masked == 0 {
		return 1
	}
	return float64(r.Fitted) / float64(r.Masked)
}

// Result carries one fitted (Z,Y,X) volume per free model parameter,
// in parameter order, plus the outcome counters.
type Result struct {
	Maps   []*volume.Volume
	Report Report
}

// Run executes the fit over every masked voxel and blocks until all
// chunks have completed. Configuration errors are returned before any
// work is dispatched.
func Run(cfg Config) (*Result, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	zAxis, yAxis, xAxis := cfg.Mask.SpatialShape()
	nParams := len(cfg.Guess)

	buffers := make([][]float64, nParams)
	for p := range buffers {
		buffers[p] = make([]float64, zAxis*yAxis*xAxis)
	}

	settings := cfg.Solver
	if settings.MaxIterations <= 0 {
		settings = fit.DefaultSettings()
	}

	var masked, fitted, guarded, fallbacks atomic.Int64

	chunks := make(chan int)
	completed := make(chan struct{}, xAxis)

	var eg errgroup.Group
	for w := 0; w < cfg.Workers; w++ {
		eg.Go(func() error {
			guess := append([]float64(nil), cfg.Guess...)
			for i := range chunks {
				for j := 0; j < yAxis; j++ {
					for k := 0; k < zAxis; k++ {
						if cfg.Mask.At(k, j, i) == 0 {
							continue
						}
						masked.Add(1)
						index := k*(yAxis*xAxis) + j*xAxis + i

						model, observed, ok := cfg.Source(k, j, i)
						if !ok {
							guarded.Add(1)
							for p := range buffers {
								buffers[p][index] = cfg.Fallback
							}
							continue
						}

						params, err := fit.Solve(fit.Problem{
							Model:    model,
							Observed: observed,
							Guess:    guess,
							Lower:    cfg.Lower,
							Upper:    cfg.Upper,
						}, settings)
						if err != nil {
							fallbacks.Add(1)
							for p := range buffers {
								buffers[p][index] = cfg.Fallback
							}
							continue
						}
						fitted.Add(1)
						for p := range buffers {
							buffers[p][index] = params[p]
						}
					}
				}
				completed <- struct{}{}
			}
			return nil
		})
	}

	for i := 0; i < xAxis; i++ {
		chunks <- i
	}
	close(chunks)

	// Acknowledge every chunk before unblocking the caller.
	for done := 1; done <= xAxis; done++ {
		<-completed
		if cfg.Progress != nil {
			cfg.Progress(done, xAxis)
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		Maps: make([]*volume.Volume, nParams),
		Report: Report{
			Masked:    masked.Load(),
			Fitted:    fitted.Load(),
			Guarded:   guarded.Load(),
			Fallbacks: fallbacks.Load(),
		},
	}
	for p := range buffers {
		v, err := volume.FromData(buffers[p], zAxis, yAxis, xAxis)
		if err != nil {
			return nil, err
		}
		result.Maps[p] = v
	}
	return result, nil
}

func validate(cfg Config) error {
	if cfg.Workers < 1 || cfg.Workers > runtime.NumCPU() {
		return fmt.Errorf("worker count must be between 1 and %d, got %d", runtime.NumCPU(), cfg.Workers)
	}
	if cfg.Mask == nil {
		return fmt.Errorf("scheduler requires a mask volume")
	}
	if cfg.Mask.Rank() != 3 {
		return fmt.Errorf("mask must be 3D, got shape %v", cfg.Mask.Shape())
	}
	if cfg.Source == nil {
		return fmt.Errorf("scheduler requires a voxel source")
	}
	n := len(cfg.Guess)
	if n == 0 {
		return fmt.Errorf("scheduler requires an initial guess")
	}
	if len(cfg.Lower) != n || len(cfg.Upper) != n {
		return fmt.Errorf("bounds length (%d,%d) does not match parameter count %d", len(cfg.Lower), len(cfg.Upper), n)
	}
	for i := range cfg.Lower {
		if cfg.Lower[i] > cfg.Upper[i] {
			return fmt.Errorf("lower bound %g exceeds upper bound %g at parameter %d", cfg.Lower[i], cfg.Upper[i], i)
		}
	}
	return nil
}
