// Package volume provides the dense numeric tensor type shared by every
// stage of the mapping pipeline. A Volume is a flat row-major float64
// buffer plus a shape; the trailing three axes are always spatial (Z,Y,X)
// and any leading axes enumerate acquisition conditions (echo times,
// post-labeling delays).
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Volume is a dense row-major tensor. The zero value is not usable;
// construct instances with New, Zeros, Ones or FromData.
type Volume struct {
	data  []float64
	shape []int
}

// New allocates a zero-filled volume with the given shape.
func New(shape ...int) *Volume {
	return &Volume{
		data:  make([]float64, numElements(shape)),
		shape: append([]int(nil), shape...),
	}
}

// Zeros is an alias of New kept for readability at call sites that
// pre-initialize output maps.
func Zeros(shape ...int) *Volume {
	return New(shape...)
}

// Ones allocates a volume filled with 1.0, the default "process
// everything" brain mask.
func Ones(shape ...int) *Volume {
	v := New(shape...)
	for i := range v.data {
		v.data[i] = 1.0
	}
	return v
}

// FromData wraps an existing flat buffer. The buffer is not copied; the
// caller hands over ownership. The length must match the shape product.
func FromData(data []float64, shape ...int) (*Volume, error) {
	if len(data) != numElements(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Volume{data: data, shape: append([]int(nil), shape...)}, nil
}

func numElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Shape returns the tensor shape. The returned slice must not be mutated.
func (v *Volume) Shape() []int { return v.shape }

// Rank returns the number of axes.
func (v *Volume) Rank() int { return len(v.shape) }

// Len returns the total number of elements.
func (v *Volume) Len() int { return len(v.data) }

// Data exposes the flat backing buffer. Index order is row-major: the
// last axis varies fastest.
func (v *Volume) Data() []float64 { return v.data }

// SpatialShape returns the trailing three axes as (Z, Y, X). It panics
// when the volume has fewer than three axes; every tensor handed to the
// mapping pipeline carries at least the spatial axes.
func (v *Volume) SpatialShape() (z, y, x int) {
	n := len(v.shape)
	if n < 3 {
		panic(fmt.Sprintf("volume rank %d has no spatial shape", n))
	}
	return v.shape[n-3], v.shape[n-2], v.shape[n-1]
}

// Offset converts multi-axis indices to the flat buffer index.
func (v *Volume) Offset(idx ...int) int {
	if len(idx) != len(v.shape) {
		panic(fmt.Sprintf("index rank %d does not match volume rank %d", len(idx), len(v.shape)))
	}
	off := 0
	for d, i := range idx {
		off = off*v.shape[d] + i
	}
	return off
}

// At reads the element at the given indices.
func (v *Volume) At(idx ...int) float64 { return v.data[v.Offset(idx...)] }

// Set writes the element at the given indices.
func (v *Volume) Set(value float64, idx ...int) { v.data[v.Offset(idx...)] = value }

// SameShape reports whether two volumes have identical shapes.
func (v *Volume) SameShape(o *Volume) bool {
	return ShapeEqual(v.shape, o.shape)
}

// ShapeEqual compares two shape vectors.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	c := New(v.shape...)
	copy(c.data, v.data)
	return c
}

// Fill sets every element to the given value.
func (v *Volume) Fill(value float64) {
	for i := range v.data {
		v.data[i] = value
	}
}

// Mean returns the arithmetic mean over every element.
func (v *Volume) Mean() float64 {
	if len(v.data) == 0 {
		return 0
	}
	return stat.Mean(v.data, nil)
}

// StdDev returns the population-corrected standard deviation.
func (v *Volume) StdDev() float64 {
	if len(v.data) < 2 {
		return 0
	}
	return stat.StdDev(v.data, nil)
}

// Max returns the largest element, ignoring NaNs.
func (v *Volume) Max() float64 {
	max := math.Inf(-1)
	for _, x := range v.data {
		if !math.IsNaN(x) && x > max {
			max = x
		}
	}
	return max
}

// Min returns the smallest element, ignoring NaNs.
func (v *Volume) Min() float64 {
	min := math.Inf(1)
	for _, x := range v.data {
		if !math.IsNaN(x) && x < min {
			min = x
		}
	}
	return min
}

// CountNonFinite returns the number of NaN or infinite elements.
func (v *Volume) CountNonFinite() int {
	n := 0
	for _, x := range v.data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			n++
		}
	}
	return n
}

// Scale multiplies every element by the given factor in place.
func (v *Volume) Scale(factor float64) {
	for i := range v.data {
		v.data[i] *= factor
	}
}

// Clip bounds every element to [lo, hi] in place. Values below lo are set
// to lo and values above hi to hi; NaNs are left untouched.
func (v *Volume) Clip(lo, hi float64) {
	for i, x := range v.data {
		if x < lo {
			v.data[i] = lo
		} else if x > hi {
			v.data[i] = hi
		}
	}
}

// Unique returns the distinct values, in ascending order. Intended for
// label volumes, where the cardinality is tiny.
func (v *Volume) Unique() []float64 {
	seen := make(map[float64]struct{})
	var out []float64
	for _, x := range v.data {
		if _, ok := seen[x]; !ok {
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
