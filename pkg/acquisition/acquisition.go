// Package acquisition holds the ASL acquisition descriptor: the timing
// arrays of the labeling protocol (labeling durations, post-labeling
// delays, optional echo times and diffusion weightings) together with the
// image tensors the mapping stages consume. The descriptor validates its
// timing arrays on every write and is treated as read-only for the
// duration of a mapping run.
package acquisition

import (
	"fmt"

	"aslmap/pkg/volume"
)

// Data describes one ASL acquisition session.
//
// The perfusion series is a condition-major tensor: [PLD, Z, Y, X] for a
// single-echo protocol or [TE, PLD, Z, Y, X] for a multi-echo protocol.
// The M0 reference volume is always spatial [Z, Y, X].
type Data struct {
	m0     *volume.Volume
	series *volume.Volume

	ld  []float64
	pld []float64
	te  []float64
	dw  []float64
}

// New creates a descriptor from paired labeling-duration and
// post-labeling-delay arrays. The arrays must have equal length and
// strictly positive values.
func New(ld, pld []float64) (*Data, error) {
	if len(ld) != len(pld) {
		return nil, fmt.Errorf("labeling duration count %d does not match post-labeling delay count %d", len(ld), len(pld))
	}
	if err := checkTiming(ld, "LD"); err != nil {
		return nil, err
	}
	if err := checkTiming(pld, "PLD"); err != nil {
		return nil, err
	}
	return &Data{
		ld:  append([]float64(nil), ld...),
		pld: append([]float64(nil), pld...),
	}, nil
}

func checkTiming(values []float64, name string) error {
	for i, v := range values {
		if v <= 0 {
			return fmt.Errorf("%s values must be positive non-zero numbers, got %g at index %d", name, v, i)
		}
	}
	return nil
}

// SetLD replaces the labeling durations. The new array is re-validated,
// including the pairing invariant against the stored PLDs.
func (d *Data) SetLD(values []float64) error {
	if err := checkTiming(values, "LD"); err != nil {
		return err
	}
	if len(d.pld) > 0 && len(values) != len(d.pld) {
		return fmt.Errorf("labeling duration count %d does not match post-labeling delay count %d", len(values), len(d.pld))
	}
	d.ld = append([]float64(nil), values...)
	return nil
}

// SetPLD replaces the post-labeling delays, re-validating the pairing
// invariant against the stored LDs.
func (d *Data) SetPLD(values []float64) error {
	if err := checkTiming(values, "PLD"); err != nil {
		return err
	}
	if len(d.ld) > 0 && len(values) != len(d.ld) {
		return fmt.Errorf("labeling duration count %d does not match post-labeling delay count %d", len(d.ld), len(values))
	}
	d.pld = append([]float64(nil), values...)
	return nil
}

// SetTE stores the echo times of a multi-echo protocol.
func (d *Data) SetTE(values []float64) error {
	if err := checkTiming(values, "TE"); err != nil {
		return err
	}
	d.te = append([]float64(nil), values...)
	return nil
}

// SetDW stores the diffusion-weighting values. They are carried only so
// that mappings which must not mix protocols can reject them.
func (d *Data) SetDW(values []float64) error {
	if err := checkTiming(values, "DW"); err != nil {
		return err
	}
	d.dw = append([]float64(nil), values...)
	return nil
}

// SetM0 stores the reference intensity volume. It must be spatial (3D).
func (d *Data) SetM0(v *volume.Volume) error {
	if v == nil {
		return fmt.Errorf("M0 volume is nil")
	}
	if v.Rank() != 3 {
		return fmt.Errorf("M0 volume must be 3D, got shape %v", v.Shape())
	}
	d.m0 = v
	return nil
}

// SetSeries stores the labeled perfusion series. Its trailing spatial
// shape must match the M0 volume when one is already present.
func (d *Data) SetSeries(v *volume.Volume) error {
	if v == nil {
		return fmt.Errorf("perfusion series is nil")
	}
	if v.Rank() < 4 {
		return fmt.Errorf("perfusion series must carry at least one condition axis, got shape %v", v.Shape())
	}
	if d.m0 != nil {
		sz, sy, sx := v.SpatialShape()
		mz, my, mx := d.m0.SpatialShape()
		if sz != mz || sy != my || sx != mx {
			return fmt.Errorf("series spatial shape (%d,%d,%d) does not match M0 shape (%d,%d,%d)", sz, sy, sx, mz, my, mx)
		}
	}
	d.series = v
	return nil
}

// LD returns the labeling durations.
func (d *Data) LD() []float64 { return d.ld }

// PLD returns the post-labeling delays.
func (d *Data) PLD() []float64 { return d.pld }

// TE returns the echo times, nil for single-echo protocols.
func (d *Data) TE() []float64 { return d.te }

// DW returns the diffusion-weighting values, nil when absent.
func (d *Data) DW() []float64 { return d.dw }

// M0 returns the reference volume, nil when unset.
func (d *Data) M0() *volume.Volume { return d.m0 }

// Series returns the perfusion series, nil when unset.
func (d *Data) Series() *volume.Volume { return d.series }
