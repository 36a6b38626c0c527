package stats

import (
	"math"
	"testing"
)

func TestFitLinePerfect(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	ys := []float64{1, 3, 5, 7, 9}

	reg, ok := FitLine(xs, ys)
	if !ok {
		t.Fatalf("expected fit to succeed")
	}
	if math.Abs(reg.Slope-2) > 1e-9 {
		t.Fatalf("expected slope 2, got %v", reg.Slope)
	}
	if math.Abs(reg.Intercept-1) > 1e-9 {
		t.Fatalf("expected intercept 1, got %v", reg.Intercept)
	}
	if math.Abs(reg.R2-1) > 1e-9 {
		t.Fatalf("expected r2 1, got %v", reg.R2)
	}
}

func TestFitLineNoisy(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4, 5}
	ys := []float64{0.2, 1.1, 1.8, 3.3, 3.9, 5.2}

	reg, ok := FitLine(xs, ys)
	if !ok {
		t.Fatalf("expected fit to succeed")
	}
	if reg.Slope <= 0.8 || reg.Slope >= 1.2 {
		t.Fatalf("expected slope near 1, got %v", reg.Slope)
	}
	if reg.R2 <= 0.9 {
		t.Fatalf("expected strong fit, got r2 %v", reg.R2)
	}
}

func TestFitLineDegenerate(t *testing.T) {
	if _, ok := FitLine([]float64{1}, []float64{2}); ok {
		t.Fatalf("expected failure with a single point")
	}
	if _, ok := FitLine([]float64{2, 2, 2}, []float64{1, 5, 9}); ok {
		t.Fatalf("expected failure with identical x values")
	}
}

func TestFitLineFlat(t *testing.T) {
	reg, ok := FitLine([]float64{0, 1, 2}, []float64{4, 4, 4})
	if !ok {
		t.Fatalf("expected flat series to fit")
	}
	if reg.Slope != 0 {
		t.Fatalf("expected zero slope, got %v", reg.Slope)
	}
	if reg.R2 != 1 {
		t.Fatalf("expected r2 1 for flat series, got %v", reg.R2)
	}
}
