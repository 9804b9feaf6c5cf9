// Package models implements the ASL signal models fitted by the mapping
// pipeline and the physical constants they depend on. Every model is a
// pure function from timing arrays and parameters to a predicted signal
// vector; nothing in this package carries state.
//
// Constant values follow Petitclerc et al., "Ultra-long-TE arterial spin
// labeling reveals rapid and brain-wide blood-to-CSF water transport in
// humans", NeuroImage (2021), DOI 10.1016/j.neuroimage.2021.118755.
package models

// Parameters bundles the tissue relaxation constants and scanner
// constants used by the signal models. Times are in milliseconds.
type Parameters struct {
	// T1Blood is the longitudinal relaxation time of arterial blood.
	T1Blood float64

	// T1CSF is the longitudinal relaxation time of CSF.
	T1CSF float64

	// T2Blood is the transverse relaxation time of arterial blood.
	T2Blood float64

	// T2GM is the transverse relaxation time of grey matter.
	T2GM float64

	// T2CSF is the transverse relaxation time of CSF.
	T2CSF float64

	// Alpha is the RF labeling efficiency.
	Alpha float64

	// Lambda is the blood-brain partition coefficient.
	Lambda float64
}

// Default returns the reference constants for a 3T acquisition.
func Default() Parameters {
	return Parameters{
		T1Blood: 1650.0,
		T1CSF:   1400.0,
		T2Blood: 165.0,
		T2GM:    75.0,
		T2CSF:   1500.0,
		Alpha:   0.85,
		Lambda:  0.98,
	}
}
