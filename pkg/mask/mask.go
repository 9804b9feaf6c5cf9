// Package mask validates and binarizes the label volume that gates which
// voxels the fitting pipeline processes.
package mask

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"aslmap/pkg/volume"
)

// Gate validates a label volume against a reference spatial shape and
// returns the binarized gate (mask == label) * label.
//
// Non-strictly-binary masks are tolerated with a warning: voxels carrying
// any other nonzero label are simply excluded. A label absent from the
// mask, or a shape differing from the reference, is a validation error.
func Gate(m *volume.Volume, label float64, refShape []int) (*volume.Volume, error) {
	if m == nil {
		return nil, fmt.Errorf("mask volume is nil")
	}

	unique := m.Unique()
	if len(unique) > 2 {
		log.Warnf("mask image is not binary (%d distinct values); voxels outside label %g are excluded", len(unique), label)
	}

	found := false
	for _, v := range unique {
		if v == label {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("label value %g is not found in the mask provided", label)
	}

	if !volume.ShapeEqual(m.Shape(), refShape) {
		return nil, fmt.Errorf("mask shape %v does not match reference shape %v", m.Shape(), refShape)
	}

	gated := volume.New(m.Shape()...)
	src := m.Data()
	dst := gated.Data()
	for i, v := range src {
		if v == label {
			dst[i] = label
		}
	}
	return gated, nil
}
