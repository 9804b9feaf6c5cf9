// Package reconstruction provides the mapping orchestrators that turn an
// ASL acquisition into quantitative parameter maps. Each orchestrator
// configures the voxel fit scheduler with a signal model, bounds and
// initial guesses, chains fixed inputs between stages where required,
// and rescales or clips the assembled outputs.
package reconstruction

import (
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"

	"aslmap/pkg/acquisition"
	"aslmap/pkg/fit"
	"aslmap/pkg/mask"
	"aslmap/pkg/models"
	"aslmap/pkg/scheduler"
	"aslmap/pkg/smooth"
	"aslmap/pkg/volume"
)

// CBFNormFactor rescales the raw model-unit CBF map to physiological
// mL/100g/min units (60 s * 60 min * 1000 g).
const CBFNormFactor = 60 * 60 * 1000

// CBFMapping fits the two-parameter Buxton kinetic model voxel-wise,
// producing cerebral blood flow and arterial transit time maps.
type CBFMapping struct {
	// Params holds the physical constants used by the kinetic model.
	// Override individual fields before CreateMap to match the scanner.
	Params models.Parameters

	acq       *acquisition.Data
	brainMask *volume.Volume
	cbfMap    *volume.Volume
	attMap    *volume.Volume
}

// CBFOptions configures CreateMap. Zero-valued fields select defaults.
type CBFOptions struct {
	// Lower and Upper bound the [CBF, ATT] parameters. Defaults
	// [0, 0] and [1, 5000].
	Lower []float64
	Upper []float64

	// Guess seeds the fit. Default [1e-5, 1000].
	Guess []float64

	// Workers is the scheduler pool size. Default runtime.NumCPU().
	Workers int

	// Smoothing optionally filters the output maps.
	Smoothing *smooth.Options

	// Progress receives per-chunk advancement events.
	Progress scheduler.Progress

	// Solver overrides the per-voxel fit tolerances and iteration
	// budget. The zero value keeps fit.DefaultSettings.
	Solver fit.Settings
}

// NewCBFMapping builds a CBF orchestrator over the given acquisition.
// The acquisition must carry both the perfusion series and the M0
// reference volume.
func NewCBFMapping(acq *acquisition.Data) (*CBFMapping, error) {
	if acq == nil || acq.M0() == nil || acq.Series() == nil {
		return nil, fmt.Errorf("acquisition is incomplete: CBF mapping needs the perfusion series and M0 images")
	}
	return &CBFMapping{
		Params:    models.Default(),
		acq:       acq,
		brainMask: volume.Ones(acq.M0().Shape()...),
	}, nil
}

// SetBrainMask gates the fit to the voxels carrying the given label.
// The mask must match the M0 spatial shape.
func (m *CBFMapping) SetBrainMask(brainMask *volume.Volume, label float64) error {
	gated, err := mask.Gate(brainMask, label, m.acq.M0().Shape())
	if err != nil {
		return err
	}
	m.brainMask = gated
	return nil
}

// BrainMask returns the gated mask currently in use.
func (m *CBFMapping) BrainMask() *volume.Volume { return m.brainMask }

// CBFMap returns the raw CBF map of the last CreateMap call, nil before.
func (m *CBFMapping) CBFMap() *volume.Volume { return m.cbfMap }

// ATTMap returns the ATT map of the last CreateMap call, nil before.
func (m *CBFMapping) ATTMap() *volume.Volume { return m.attMap }

// CreateMap runs the voxel-wise Buxton fit and returns the output maps:
// "cbf" (model units), "cbf_norm" (mL/100g/min) and "att" (ms). The call
// blocks until the whole volume has been processed.
func (m *CBFMapping) CreateMap(opts CBFOptions) (map[string]*volume.Volume, error) {
	if len(m.acq.LD()) == 0 || len(m.acq.PLD()) == 0 {
		return nil, fmt.Errorf("LD and PLD values must be provided")
	}
	applyDefaults(&opts.Lower, []float64{0, 0})
	applyDefaults(&opts.Upper, []float64{1.0, 5000.0})
	applyDefaults(&opts.Guess, []float64{1e-5, 1000})
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}

	source, err := m.buxtonSource()
	if err != nil {
		return nil, err
	}

	result, err := scheduler.Run(scheduler.Config{
		Workers:  opts.Workers,
		Mask:     m.brainMask,
		Guess:    opts.Guess,
		Lower:    opts.Lower,
		Upper:    opts.Upper,
		Source:   source,
		Progress: opts.Progress,
		Solver:   opts.Solver,
	})
	if err != nil {
		return nil, err
	}
	m.cbfMap = result.Maps[0]
	m.attMap = result.Maps[1]

	log.WithFields(log.Fields{
		"masked":      result.Report.Masked,
		"convergence": fmt.Sprintf("%.3f", result.Report.ConvergenceRate()),
	}).Info("CBF/ATT mapping completed")

	norm := m.cbfMap.Clone()
	norm.Scale(CBFNormFactor)
	out := map[string]*volume.Volume{
		"cbf":      m.cbfMap,
		"cbf_norm": norm,
		"att":      m.attMap,
	}
	return smooth.Apply(out, opts.Smoothing)
}

// buxtonSource binds the acquisition tensors into the per-voxel problem
// builder handed to the scheduler. The series may be 4D [PLD,Z,Y,X] or
// 5D [TE,PLD,Z,Y,X]; in the multi-echo case the first echo is fitted.
func (m *CBFMapping) buxtonSource() (scheduler.Source, error) {
	ld := m.acq.LD()
	pld := m.acq.PLD()
	series := m.acq.Series()
	m0 := m.acq.M0()
	params := m.Params

	shape := series.Shape()
	var observe func(z, y, x int) []float64
	switch series.Rank() {
	case 4:
		if shape[0] != len(pld) {
			return nil, fmt.Errorf("series carries %d conditions but %d PLD values were provided", shape[0], len(pld))
		}
		observe = func(z, y, x int) []float64 {
			obs := make([]float64, len(pld))
			for c := range obs {
				obs[c] = series.At(c, z, y, x)
			}
			return obs
		}
	case 5:
		if shape[1] != len(pld) {
			return nil, fmt.Errorf("series carries %d delay conditions but %d PLD values were provided", shape[1], len(pld))
		}
		observe = func(z, y, x int) []float64 {
			obs := make([]float64, len(pld))
			for c := range obs {
				obs[c] = series.At(0, c, z, y, x)
			}
			return obs
		}
	default:
		return nil, fmt.Errorf("perfusion series must be 4D or 5D, got shape %v", shape)
	}

	return func(z, y, x int) (fit.Func, []float64, bool) {
		m0px := m0.At(z, y, x)
		model := func(par []float64) []float64 {
			return models.Buxton(ld, pld, m0px, par[0], par[1], params)
		}
		return model, observe(z, y, x), true
	}, nil
}

// applyDefaults substitutes def when the caller left the slice empty.
func applyDefaults(dst *[]float64, def []float64) {
	if len(*dst) == 0 {
		*dst = def
	}
}
