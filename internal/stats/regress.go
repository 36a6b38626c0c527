package stats

import "math"

// Regression describes a least-squares line fit over (x, y) points.
type Regression struct {
	Slope     float64
	Intercept float64
	R2        float64
}

// FitLine fits y = slope*x + intercept by ordinary least squares. It reports
// false when fewer than two points are supplied or the x values are all
// identical, since no line is defined in either case.
func FitLine(xs, ys []float64) (Regression, bool) {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return Regression{}, false
	}

	meanX := Mean(xs)
	meanY := Mean(ys)

	var sxx, sxy, syy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx < 1e-12 {
		return Regression{}, false
	}

	slope := sxy / sxx
	reg := Regression{
		Slope:     slope,
		Intercept: meanY - slope*meanX,
	}

	// A flat series fits its own mean perfectly.
	if syy < 1e-12 {
		reg.R2 = 1
		return reg, true
	}

	var ssRes float64
	for i := 0; i < n; i++ {
		pred := reg.Slope*xs[i] + reg.Intercept
		ssRes += (ys[i] - pred) * (ys[i] - pred)
	}
	reg.R2 = Clamp(1-ssRes/syy, 0, 1)
	if math.IsNaN(reg.R2) {
		reg.R2 = 0
	}
	return reg, true
}
