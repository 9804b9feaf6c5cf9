package reconstruction

import (
	"fmt"
	"math"
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

// MultiTEMapping fits the one-parameter blood-tissue exchange model over
// the full (TE x PLD) grid. The model consumes per-voxel CBF and ATT
// values as frozen inputs; when they have not been supplied through
// SetCBFMap and SetATTMap, the Buxton stage is run first with the same
// mask and its raw outputs are chained in.
type MultiTEMapping struct {
	// Params holds the physical constants used by the exchange model.
	Params models.Parameters

	acq       *acquisition.Data
	basic     *CBFMapping
	brainMask *volume.Volume

	cbfMap    *volume.Volume
	attMap    *volume.Volume
	t1blgmMap *volume.Volume

	// cbfSupplied and attSupplied record explicit injection of the fixed
	// input maps. Both must be set before the internal Buxton stage is
	// skipped; the value content is never inspected.
	cbfSupplied bool
	attSupplied bool
}

// MultiTEOptions configures CreateMap. Zero-valued fields select
// defaults.
type MultiTEOptions struct {
	// Lower and Upper bound the exchange time. Defaults [0] and [+Inf].
	Lower []float64
	Upper []float64

	// Guess seeds the fit, in ms. Default [400]. The output map is
	// clipped to [0, 4*Guess[0]].
	Guess []float64

	// Workers is the scheduler pool size. Default runtime.NumCPU().
	Workers int

	// Smoothing optionally filters the output maps.
	Smoothing *smooth.Options

	// Progress receives per-chunk advancement events.
	Progress scheduler.Progress

	// Solver overrides the per-voxel fit tolerances and iteration
	// budget, for both the exchange fit and the chained kinetic stage.
	// The zero value keeps fit.DefaultSettings.
	Solver fit.Settings
}

// NewMultiTEMapping builds a multi-TE orchestrator. The acquisition must
// carry TE values in addition to the images the Buxton stage needs.
func NewMultiTEMapping(acq *acquisition.Data) (*MultiTEMapping, error) {
	basic, err := NewCBFMapping(acq)
	if err != nil {
		return nil, err
	}
	if len(acq.TE()) == 0 {
		return nil, fmt.Errorf("acquisition is incomplete: multi-TE mapping needs a list of TE values")
	}
	return &MultiTEMapping{
		Params:    models.Default(),
		acq:       acq,
		basic:     basic,
		brainMask: volume.Ones(acq.M0().Shape()...),
		cbfMap:    volume.New(acq.M0().Shape()...),
		attMap:    volume.New(acq.M0().Shape()...),
	}, nil
}

// SetBrainMask gates the fit to the voxels carrying the given label.
func (m *MultiTEMapping) SetBrainMask(brainMask *volume.Volume, label float64) error {
	gated, err := mask.Gate(brainMask, label, m.acq.M0().Shape())
	if err != nil {
		return err
	}
	m.brainMask = gated
	return nil
}

// BrainMask returns the gated mask currently in use.
func (m *MultiTEMapping) BrainMask() *volume.Volume { return m.brainMask }

// SetCBFMap injects a pre-computed raw CBF map (model units, not the
// normalized variant) as a frozen input.
func (m *MultiTEMapping) SetCBFMap(v *volume.Volume) error {
	if !volume.ShapeEqual(v.Shape(), m.acq.M0().Shape()) {
		return fmt.Errorf("CBF map shape %v does not match M0 shape %v", v.Shape(), m.acq.M0().Shape())
	}
	m.cbfMap = v
	m.cbfSupplied = true
	return nil
}

// GetCBFMap returns the CBF map currently held, either injected or
// computed by the chained Buxton stage.
func (m *MultiTEMapping) GetCBFMap() *volume.Volume { return m.cbfMap }

// SetATTMap injects a pre-computed ATT map as a frozen input.
func (m *MultiTEMapping) SetATTMap(v *volume.Volume) error {
	if !volume.ShapeEqual(v.Shape(), m.acq.M0().Shape()) {
		return fmt.Errorf("ATT map shape %v does not match M0 shape %v", v.Shape(), m.acq.M0().Shape())
	}
	m.attMap = v
	m.attSupplied = true
	return nil
}

// GetATTMap returns the ATT map currently held.
func (m *MultiTEMapping) GetATTMap() *volume.Volume { return m.attMap }

// T1blGMMap returns the exchange-time map of the last CreateMap call,
// nil before.
func (m *MultiTEMapping) T1blGMMap() *volume.Volume { return m.t1blgmMap }

// CreateMap runs the exchange fit and returns "cbf", "cbf_norm", "att"
// and "t1blgm" maps. When the fixed inputs were not supplied, the Buxton
// stage runs first and its progress is reported through the same
// callback.
func (m *MultiTEMapping) CreateMap(opts MultiTEOptions) (map[string]*volume.Volume, error) {
	applyDefaults(&opts.Lower, []float64{0})
	applyDefaults(&opts.Upper, []float64{math.Inf(1)})
	applyDefaults(&opts.Guess, []float64{400})
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}

	series := m.acq.Series()
	te := m.acq.TE()
	pld := m.acq.PLD()
	if series.Rank() != 5 {
		return nil, fmt.Errorf("multi-TE mapping needs a 5D [TE,PLD,Z,Y,X] series, got shape %v", series.Shape())
	}
	if series.Shape()[0] != len(te) || series.Shape()[1] != len(pld) {
		return nil, fmt.Errorf("series condition axes %v do not match TE count %d and PLD count %d",
			series.Shape()[:2], len(te), len(pld))
	}

	if !(m.cbfSupplied && m.attSupplied) {
		log.Info("CBF/ATT maps were not provided; running the Buxton stage first")
		m.basic.Params = m.Params
		m.basic.brainMask = m.brainMask
		basicMaps, err := m.basic.CreateMap(CBFOptions{
			Workers:  opts.Workers,
			Progress: opts.Progress,
			Solver:   opts.Solver,
		})
		if err != nil {
			return nil, err
		}
		m.cbfMap = basicMaps["cbf"]
		m.attMap = basicMaps["att"]
	}

	ldGrid, pldGrid, teGrid := models.ExpandGrid(m.acq.LD(), pld, te)
	m0 := m.acq.M0()
	cbfMap, attMap := m.cbfMap, m.attMap
	params := m.Params

	source := func(z, y, x int) (fit.Func, []float64, bool) {
		m0px := m0.At(z, y, x)
		cbfPx := cbfMap.At(z, y, x)
		attPx := attMap.At(z, y, x)
		observed := make([]float64, 0, len(pld)*len(te))
		for c := 0; c < len(pld); c++ {
			for e := 0; e < len(te); e++ {
				observed = append(observed, series.At(e, c, z, y, x))
			}
		}
		model := func(par []float64) []float64 {
			return models.MultiTE(ldGrid, pldGrid, teGrid, m0px, cbfPx, attPx, par[0], params)
		}
		return model, observed, true
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

	m.t1blgmMap = result.Maps[0]
	// Values beyond four times the initial guess, or negative, are fit
	// artifacts; pin them to the clip boundary.
	m.t1blgmMap.Clip(0, 4*opts.Guess[0])

	log.WithFields(log.Fields{
		"masked":      result.Report.Masked,
		"convergence": fmt.Sprintf("%.3f", result.Report.ConvergenceRate()),
	}).Info("multi-TE exchange mapping completed")

	norm := m.cbfMap.Clone()
	norm.Scale(CBFNormFactor)
	out := map[string]*volume.Volume{
		"cbf":      m.cbfMap,
		"cbf_norm": norm,
		"att":      m.attMap,
		"t1blgm":   m.t1blgmMap,
	}
	return smooth.Apply(out, opts.Smoothing)
}
