package models

import "math"

// finite replaces overflowed or otherwise non-finite intermediate values
// with zero. The kinetic models multiply several exponentials; when the
// solver probes an extreme parameter the product can overflow, and the
// contract is that such samples contribute nothing rather than poisoning
// the fit.
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// Buxton evaluates the two-parameter pCASL kinetic model at every
// (LD, PLD) condition pair. m0 is the voxel reference intensity, cbf the
// perfusion in model units and att the arterial transit time in ms.
//
// With t = LD[i] + PLD[i] the signal follows three regimes: zero before
// the labeled bolus arrives (t < att), a rising exponential while the
// bolus is passing, and an additional decay once the full bolus has
// cleared (t >= LD[i] + att).
func Buxton(ld, pld []float64, m0, cbf, att float64, p Parameters) []float64 {
	signal := make([]float64, len(ld))
	// Effective relaxation combining blood T1 decay and tissue clearance.
	t1p := 1.0 / (1.0/p.T1Blood + cbf/p.Lambda)
	for i := range ld {
		t := ld[i] + pld[i]
		switch {
		case t < att:
			signal[i] = 0.0
		case t < ld[i]+att:
			q := 1.0 - math.Exp(-(t-att)/t1p)
			signal[i] = finite(2.0 * m0 * cbf * t1p * p.Alpha * q * math.Exp(-att/p.T1Blood))
		default:
			q := 1.0 - math.Exp(-ld[i]/t1p)
			signal[i] = finite(2.0 * m0 * cbf * t1p * p.Alpha * q *
				math.Exp(-att/p.T1Blood) * math.Exp(-(t-ld[i]-att)/t1p))
		}
	}
	return signal
}

// MultiTE evaluates the one-parameter two-compartment exchange model on
// parallel (LD, PLD, TE) sample arrays, normally produced by ExpandGrid.
// cbf and att are frozen per-voxel inputs from a prior Buxton fit;
// exchangeTime is the free blood-to-tissue exchange parameter in ms. The
// blood and tissue compartments decay with their own T2 before summing.
func MultiTE(ld, pld, te []float64, m0, cbf, att, exchangeTime float64, p Parameters) []float64 {
	signal := make([]float64, len(ld))
	// Apparent blood relaxation shortened by exchange into tissue.
	t1bp := 1.0 / (1.0/p.T1Blood + 1.0/exchangeTime)
	t1t := p.T1CSF
	for i := range ld {
		t := ld[i] + pld[i]
		var blood, tissue float64
		switch {
		case t < att:
			blood, tissue = 0.0, 0.0
		case t < ld[i]+att:
			amp := 2.0 * p.Alpha * m0 * cbf * math.Exp(-att/p.T1Blood)
			blood = amp * t1bp * (1.0 - math.Exp(-(t-att)/t1bp))
			tissue = amp * (t1t*(1.0-math.Exp(-(t-att)/t1t)) -
				t1bp*(1.0-math.Exp(-(t-att)/t1bp)))
		default:
			amp := 2.0 * p.Alpha * m0 * cbf * math.Exp(-att/p.T1Blood)
			blood = amp * t1bp * math.Exp(-(t-ld[i]-att)/t1bp) * (1.0 - math.Exp(-ld[i]/t1bp))
			tissue = amp * (t1t*math.Exp(-(t-ld[i]-att)/t1t)*(1.0-math.Exp(-ld[i]/t1t)) -
				t1bp*math.Exp(-(t-ld[i]-att)/t1bp)*(1.0-math.Exp(-ld[i]/t1bp)))
		}
		signal[i] = finite(finite(blood)*math.Exp(-te[i]/p.T2Blood) +
			finite(tissue)*math.Exp(-te[i]/p.T2GM))
	}
	return signal
}

// MonoExp evaluates the two-parameter mono-exponential decay model
// amplitude * exp(-TE/T2) at every echo time.
func MonoExp(te []float64, amplitude, t2 float64) []float64 {
	signal := make([]float64, len(te))
	for i, x := range te {
		signal[i] = finite(amplitude * math.Exp(-x/t2))
	}
	return signal
}

// ExpandGrid flattens the (PLD x TE) acquisition grid into parallel
// sample arrays ordered delay-major, matching the layout of a multi-echo
// perfusion series.
func ExpandGrid(ld, pld, te []float64) (ldOut, pldOut, teOut []float64) {
	n := len(pld) * len(te)
	ldOut = make([]float64, 0, n)
	pldOut = make([]float64, 0, n)
	teOut = make([]float64, 0, n)
	for i := range pld {
		for j := range te {
			ldOut = append(ldOut, ld[i])
			pldOut = append(pldOut, pld[i])
			teOut = append(teOut, te[j])
		}
	}
	return ldOut, pldOut, teOut
}
