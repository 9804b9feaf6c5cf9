package mask

import (
	"strings"
	"testing"

	"aslmap/pkg/volume"
)

// TestGateBinarizes verifies that the gate carries only zero and the
// requested label
func TestGateBinarizes(t *testing.T) {
	m, _ := volume.FromData([]float64{0, 1, 1, 0, 1, 0}, 1, 2, 3)

	gated, err := Gate(m, 1, m.Shape())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i, v := range gated.Data() {
		if v != 0 && v != 1 {
			t.Errorf("Element %d: expected 0 or 1, got %g", i, v)
		}
		if v != m.Data()[i] {
			t.Errorf("Element %d: gate changed a binary mask value", i)
		}
	}
}

// TestGateExcludesOtherLabels verifies multi-label handling: voxels
// carrying a different nonzero label are dropped from the gate
func TestGateExcludesOtherLabels(t *testing.T) {
	m, _ := volume.FromData([]float64{0, 1, 2, 2, 1, 0}, 1, 2, 3)

	gated, err := Gate(m, 2, m.Shape())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []float64{0, 0, 2, 2, 0, 0}
	for i, v := range gated.Data() {
		if v != want[i] {
			t.Errorf("Element %d: expected %g, got %g", i, want[i], v)
		}
	}
}

// TestGateAbsentLabel verifies the missing-label validation error
func TestGateAbsentLabel(t *testing.T) {
	m, _ := volume.FromData([]float64{0, 1, 1, 0}, 1, 2, 2)

	_, err := Gate(m, 3, m.Shape())
	if err == nil {
		t.Fatal("Expected an error for an absent label")
	}
	if !strings.Contains(err.Error(), "3") {
		t.Errorf("Error should name the missing label, got: %v", err)
	}
}

// TestGateShapeMismatch verifies that the error names both shapes
func TestGateShapeMismatch(t *testing.T) {
	m, _ := volume.FromData([]float64{1, 1, 1, 1}, 1, 2, 2)

	_, err := Gate(m, 1, []int{2, 2, 2})
	if err == nil {
		t.Fatal("Expected an error for a shape mismatch")
	}
	if !strings.Contains(err.Error(), "[1 2 2]") || !strings.Contains(err.Error(), "[2 2 2]") {
		t.Errorf("Error should name both shapes, got: %v", err)
	}
}

// TestGateNilMask verifies the nil-volume guard
func TestGateNilMask(t *testing.T) {
	if _, err := Gate(nil, 1, []int{1, 1, 1}); err == nil {
		t.Error("Expected an error for a nil mask")
	}
}
