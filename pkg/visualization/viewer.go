// Package visualization renders parameter maps as grayscale JPEG slice
// sequences for quick visual inspection. Intensities are windowed to the
// 1st-99th percentile range of the map so a handful of outlier voxels
// does not wash out the preview.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"

	"aslmap/pkg/volume"
)

// Viewer windows one parameter map and extracts 2D slices from it.
type Viewer struct {
	vol *volume.Volume

	depth  int
	height int
	width  int

	// lo and hi are the display window bounds.
	lo float64
	hi float64
}

// NewViewer prepares a viewer over a spatial (3D) parameter map.
func NewViewer(v *volume.Volume) (*Viewer, error) {
	if v.Rank() != 3 {
		return nil, fmt.Errorf("viewer needs a 3D map, got shape %v", v.Shape())
	}
	z, y, x := v.SpatialShape()
	lo, hi := percentileWindow(v.Data(), 0.01, 0.99)
	return &Viewer{vol: v, depth: z, height: y, width: x, lo: lo, hi: hi}, nil
}

// percentileWindow returns the values at the given quantiles of the
// finite data, falling back to [0,1] for degenerate input.
func percentileWindow(data []float64, qlo, qhi float64) (float64, float64) {
	finite := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return 0, 1
	}
	sort.Float64s(finite)
	lo := finite[int(qlo*float64(len(finite)-1))]
	hi := finite[int(qhi*float64(len(finite)-1))]
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// ExtractSlice renders a 2D slice along the given axis ("x", "y" or "z")
// at the given position.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(z, y, position))
			}
		}

	case "y", "Y":
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(z, position, x))
			}
		}

	case "z", "Z":
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(position, y, x))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

func (v *Viewer) gray(z, y, x int) color.Gray16 {
	val := v.vol.At(z, y, x)
	if math.IsNaN(val) {
		return color.Gray16{Y: 0}
	}
	norm := (val - v.lo) / (v.hi - v.lo)
	norm = math.Max(0, math.Min(1, norm))
	return color.Gray16{Y: uint16(norm * 65535)}
}

// SaveSlice writes one extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the given axis
// into the output directory, numbered in order.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var count int
	switch axis {
	case "x", "X":
		count = v.width
	case "y", "Y":
		count = v.height
	case "z", "Z":
		count = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < count; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%03d.jpg", pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return fmt.Errorf("failed to save slice %d: %w", pos, err)
		}
	}
	return nil
}

// SavePreviews renders z-axis previews of every map in the dictionary
// into per-map subdirectories of outputDir. 4D stacks are previewed
// frame by frame.
func SavePreviews(maps map[string]*volume.Volume, outputDir string) error {
	for name, vol := range maps {
		frames := []*volume.Volume{vol}
		if vol.Rank() == 4 {
			frames = splitFrames(vol)
		}
		for f, frame := range frames {
			dir := filepath.Join(outputDir, name)
			if len(frames) > 1 {
				dir = filepath.Join(dir, fmt.Sprintf("frame_%02d", f))
			}
			viewer, err := NewViewer(frame)
			if err != nil {
				return fmt.Errorf("previewing %s: %w", name, err)
			}
			if err := viewer.SaveSliceSequence("z", dir); err != nil {
				return fmt.Errorf("previewing %s: %w", name, err)
			}
		}
	}
	return nil
}

func splitFrames(v *volume.Volume) []*volume.Volume {
	shape := v.Shape()
	z, y, x := v.SpatialShape()
	frames := make([]*volume.Volume, shape[0])
	for f := range frames {
		data := make([]float64, z*y*x)
		copy(data, v.Data()[f*z*y*x:(f+1)*z*y*x])
		frame, _ := volume.FromData(data, z, y, x)
		frames[f] = frame
	}
	return frames
}
