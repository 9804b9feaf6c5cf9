package reconstruction

import (
	"fmt"
	"math"
	"runtime"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"aslmap/pkg/acquisition"
	"aslmap/pkg/fit"
	"aslmap/pkg/mask"
	"aslmap/pkg/models"
	"aslmap/pkg/scheduler"
	"aslmap/pkg/smooth"
	"aslmap/pkg/volume"
)

// noiseFloor is the minimum peak signal magnitude a voxel must reach
// across the echo dimension before the decay fit is attempted.
const noiseFloor = 1.0

// T2Mapping fits the two-parameter mono-exponential decay model across
// the echo dimension, independently for every post-labeling delay. The
// per-delay T2 volumes are stacked into one 4D output.
type T2Mapping struct {
	// Params holds the physical constants; only the default T2 guess
	// depends on them here.
	Params models.Parameters

	acq       *acquisition.Data
	brainMask *volume.Volume

	t2Maps  *volume.Volume
	meanT2s []float64
}

// T2Options configures CreateMap. Zero-valued fields select defaults.
type T2Options struct {
	// Workers is the scheduler pool size. Default runtime.NumCPU().
	Workers int

	// Smoothing optionally filters the stacked output.
	Smoothing *smooth.Options

	// Progress receives per-chunk advancement events for each per-delay
	// pass in turn.
	Progress scheduler.Progress

	// Solver overrides the per-voxel fit tolerances and iteration
	// budget. The zero value keeps fit.DefaultSettings.
	Solver fit.Settings
}

// NewT2Mapping builds a T2 orchestrator. The acquisition must carry both
// TE and PLD values and must not mix in diffusion-weighting values,
// which belong to a different protocol.
func NewT2Mapping(acq *acquisition.Data) (*T2Mapping, error) {
	if acq == nil || acq.M0() == nil || acq.Series() == nil {
		return nil, fmt.Errorf("acquisition is incomplete: T2 mapping needs the perfusion series and M0 images")
	}
	if len(acq.TE()) == 0 || len(acq.PLD()) == 0 {
		return nil, fmt.Errorf("acquisition must provide TE and PLD values")
	}
	if acq.DW() != nil {
		return nil, fmt.Errorf("acquisition must not include DW values")
	}
	return &T2Mapping{
		Params:    models.Default(),
		acq:       acq,
		brainMask: volume.Ones(acq.M0().Shape()...),
	}, nil
}

// SetBrainMask gates the fit to the voxels carrying the given label.
func (m *T2Mapping) SetBrainMask(brainMask *volume.Volume, label float64) error {
	gated, err := mask.Gate(brainMask, label, m.acq.M0().Shape())
	if err != nil {
		return err
	}
	m.brainMask = gated
	return nil
}

// BrainMask returns the gated mask currently in use.
func (m *T2Mapping) BrainMask() *volume.Volume { return m.brainMask }

// T2Maps returns the stacked [PLD,Z,Y,X] output of the last CreateMap
// call, nil before.
func (m *T2Mapping) T2Maps() *volume.Volume { return m.t2Maps }

// MeanT2s returns the spatial mean T2 per delay condition of the last
// CreateMap call.
func (m *T2Mapping) MeanT2s() []float64 { return m.meanT2s }

// CreateMap runs one scheduler pass per delay condition and returns the
// stacked result under "t2". Voxels with non-finite signal or a peak
// below the noise floor are rejected before the solver runs and carry
// the zero sentinel.
func (m *T2Mapping) CreateMap(opts T2Options) (map[string]*volume.Volume, error) {
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}

	series := m.acq.Series()
	te := m.acq.TE()
	pld := m.acq.PLD()
	if series.Rank() != 5 {
		return nil, fmt.Errorf("T2 mapping needs a 5D [TE,PLD,Z,Y,X] series, got shape %v", series.Shape())
	}
	if series.Shape()[0] != len(te) || series.Shape()[1] != len(pld) {
		return nil, fmt.Errorf("series condition axes %v do not match TE count %d and PLD count %d",
			series.Shape()[:2], len(te), len(pld))
	}

	zAxis, yAxis, xAxis := m.acq.M0().SpatialShape()
	stack := volume.New(len(pld), zAxis, yAxis, xAxis)
	means := make([]float64, len(pld))

	for pldIdx := range pld {
		log.WithField("pld", pld[pldIdx]).Info("T2 fitting pass")

		// Seed the amplitude with the peak of this delay's sub-volume so
		// the shared guess stays within an order of magnitude of every
		// voxel's scale.
		amplitude := subVolumePeak(series, pldIdx)
		if amplitude < noiseFloor {
			amplitude = noiseFloor
		}

		source := t2Source(series, te, pldIdx)
		result, err := scheduler.Run(scheduler.Config{
			Workers:  opts.Workers,
			Mask:     m.brainMask,
			Guess:    []float64{amplitude, 80},
			Lower:    []float64{0, 0},
			Upper:    []float64{math.Inf(1), math.Inf(1)},
			Source:   source,
			Progress: opts.Progress,
			Solver:   opts.Solver,
		})
		if err != nil {
			return nil, err
		}

		t2 := result.Maps[1]
		dst := stack.Data()[pldIdx*zAxis*yAxis*xAxis : (pldIdx+1)*zAxis*yAxis*xAxis]
		copy(dst, t2.Data())
		means[pldIdx] = stat.Mean(dst, nil)

		log.WithFields(log.Fields{
			"pld":         pld[pldIdx],
			"meanT2":      fmt.Sprintf("%.2f", means[pldIdx]),
			"convergence": fmt.Sprintf("%.3f", result.Report.ConvergenceRate()),
		}).Info("T2 fitting pass completed")
	}

	m.t2Maps = stack
	m.meanT2s = means

	out := map[string]*volume.Volume{"t2": stack}
	return smooth.Apply(out, opts.Smoothing)
}

// t2Source builds the per-voxel decay problem for one delay condition,
// guarding against non-finite and sub-noise signal.
func t2Source(series *volume.Volume, te []float64, pldIdx int) scheduler.Source {
	return func(z, y, x int) (fit.Func, []float64, bool) {
		signal := make([]float64, len(te))
		peak := 0.0
		for e := range te {
			v := series.At(e, pldIdx, z, y, x)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, false
			}
			signal[e] = v
			if v > peak {
				peak = v
			}
		}
		if peak < noiseFloor {
			return nil, nil, false
		}
		model := func(par []float64) []float64 {
			return models.MonoExp(te, par[0], par[1])
		}
		return model, signal, true
	}
}

// subVolumePeak scans the [TE,Z,Y,X] sub-volume of one delay condition
// for its finite maximum.
func subVolumePeak(series *volume.Volume, pldIdx int) float64 {
	shape := series.Shape()
	peak := 0.0
	for e := 0; e < shape[0]; e++ {
		for z := 0; z < shape[2]; z++ {
			for y := 0; y < shape[3]; y++ {
				for x := 0; x < shape[4]; x++ {
					v := series.At(e, pldIdx, z, y, x)
					if !math.IsNaN(v) && !math.IsInf(v, 0) && v > peak {
						peak = v
					}
				}
			}
		}
	}
	return peak
}
