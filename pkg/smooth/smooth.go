// Package smooth applies optional spatial post-filters to the assembled
// parameter maps. The filter selector is a closed enum validated at the
// boundary; the filters themselves operate on the trailing three
// (spatial) axes so 4D stacks are smoothed slice-set by slice-set.
package smooth

import (
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"aslmap/pkg/volume"
)

// Filter selects the smoothing kernel.
type Filter int

const (
	// FilterGaussian is an isotropic gaussian kernel parameterized by
	// Options.Sigma.
	FilterGaussian Filter = iota

	// FilterMedian is a cubic median kernel parameterized by
	// Options.Size.
	FilterMedian
)

var filterNames = map[string]Filter{
	"gaussian": FilterGaussian,
	"median":   FilterMedian,
}

// ParseFilter maps a selector string to its Filter value. Unsupported
// selectors are a configuration error.
func ParseFilter(name string) (Filter, error) {
	f, ok := filterNames[name]
	if !ok {
		return 0, fmt.Errorf("unsupported smoothing filter %q (supported: gaussian, median)", name)
	}
	return f, nil
}

// String returns the selector name of the filter.
func (f Filter) String() string {
	for name, v := range filterNames {
		if v == f {
			return name
		}
	}
	return fmt.Sprintf("Filter(%d)", int(f))
}

// Options configures one smoothing pass.
type Options struct {
	Filter Filter

	// Sigma is the gaussian standard deviation in voxels. Must be
	// positive for FilterGaussian.
	Sigma float64

	// Size is the median window edge length in voxels. Must be a
	// positive odd integer for FilterMedian; an even value falls back to
	// 3 with a warning.
	Size int
}

// Apply smooths every map in the dictionary and returns a same-shaped
// dictionary. A nil opts is a no-op passthrough.
func Apply(maps map[string]*volume.Volume, opts *Options) (map[string]*volume.Volume, error) {
	if opts == nil {
		return maps, nil
	}
	smoother, err := kernelFor(opts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*volume.Volume, len(maps))
	for name, v := range maps {
		out[name] = smoother(v)
	}
	return out, nil
}

// kernelFor validates the options and returns the volume smoother.
// Dispatch is a closed switch over the Filter enum so that an
// unsupported value surfaces here as one uniform configuration error.
func kernelFor(opts *Options) (func(*volume.Volume) *volume.Volume, error) {
	switch opts.Filter {
	case FilterGaussian:
		if opts.Sigma <= 0 {
			return nil, fmt.Errorf("sigma must be a positive number, got %g", opts.Sigma)
		}
		sigma := opts.Sigma
		return func(v *volume.Volume) *volume.Volume {
			return Gaussian(v, sigma)
		}, nil
	case FilterMedian:
		size := opts.Size
		if size <= 0 {
			return nil, fmt.Errorf("median size must be a positive integer, got %d", size)
		}
		if size%2 == 0 {
			log.Warnf("median window size %d is even; falling back to 3", size)
			size = 3
		}
		return func(v *volume.Volume) *volume.Volume {
			return Median(v, size)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported smoothing filter %v", opts.Filter)
	}
}

// Gaussian applies a separable isotropic gaussian with the given sigma to
// the trailing three axes of v and returns a new volume.
func Gaussian(v *volume.Volume, sigma float64) *volume.Volume {
	kernel := gaussianKernel(sigma)
	z, y, x := v.SpatialShape()
	frames := v.Len() / (z * y * x)

	out := v.Clone()
	tmp := make([]float64, z*y*x)
	for f := 0; f < frames; f++ {
		frame := out.Data()[f*z*y*x : (f+1)*z*y*x]
		convolveAxis(frame, tmp, z, y, x, 0, kernel)
		convolveAxis(tmp, frame, z, y, x, 1, kernel)
		convolveAxis(frame, tmp, z, y, x, 2, kernel)
		copy(frame, tmp)
	}
	return out
}

func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// convolveAxis convolves src along the given spatial axis (0=Z, 1=Y,
// 2=X) with edge clamping, writing into dst.
func convolveAxis(src, dst []float64, z, y, x int, axis int, kernel []float64) {
	radius := len(kernel) / 2
	dims := [3]int{z, y, x}
	n := dims[axis]
	for k := 0; k < z; k++ {
		for j := 0; j < y; j++ {
			for i := 0; i < x; i++ {
				pos := [3]int{k, j, i}
				acc := 0.0
				for t := -radius; t <= radius; t++ {
					p := pos
					q := p[axis] + t
					if q < 0 {
						q = 0
					}
					if q >= n {
						q = n - 1
					}
					p[axis] = q
					acc += kernel[t+radius] * src[p[0]*y*x+p[1]*x+p[2]]
				}
				dst[pos[0]*y*x+pos[1]*x+pos[2]] = acc
			}
		}
	}
}

// Median applies a cubic median filter with the given odd window size to
// the trailing three axes of v and returns a new volume.
func Median(v *volume.Volume, size int) *volume.Volume {
	z, y, x := v.SpatialShape()
	frames := v.Len() / (z * y * x)
	radius := size / 2

	out := v.Clone()
	window := make([]float64, 0, size*size*size)
	for f := 0; f < frames; f++ {
		src := v.Data()[f*z*y*x : (f+1)*z*y*x]
		dst := out.Data()[f*z*y*x : (f+1)*z*y*x]
		for k := 0; k < z; k++ {
			for j := 0; j < y; j++ {
				for i := 0; i < x; i++ {
					window = window[:0]
					for dk := -radius; dk <= radius; dk++ {
						for dj := -radius; dj <= radius; dj++ {
							for di := -radius; di <= radius; di++ {
								kk, jj, ii := clampIdx(k+dk, z), clampIdx(j+dj, y), clampIdx(i+di, x)
								window = append(window, src[kk*y*x+jj*x+ii])
							}
						}
					}
					sort.Float64s(window)
					dst[k*y*x+j*x+i] = window[len(window)/2]
				}
			}
		}
	}
	return out
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
