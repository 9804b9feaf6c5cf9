// Package fit provides the bounded nonlinear least-squares routine used
// for every per-voxel model fit. It implements a Levenberg-Marquardt
// iteration with a forward-difference Jacobian and projection onto box
// bounds; the normal equations are solved with gonum/mat.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNoConvergence is returned when the iteration budget is exhausted
// before the gradient, step or cost tolerances are met. Callers treat it
// as a per-fit outcome, not a fault.
var ErrNoConvergence = errors.New("fit: no convergence within iteration budget")

// Func evaluates a signal model at the given free parameters, returning
// the predicted signal vector. It must be deterministic.
type Func func(params []float64) []float64

// Problem is one bounded least-squares fit: minimize over params within
// [Lower, Upper] the sum of squared differences between Model(params)
// and Observed.
type Problem struct {
	Model    Func
	Observed []float64
	Guess    []float64
	Lower    []float64
	Upper    []float64
}

// Settings bounds the solver effort. The zero value is replaced by
// DefaultSettings.
type Settings struct {
	// MaxIterations caps the number of accepted Levenberg-Marquardt steps.
	MaxIterations int

	// CostTol stops the iteration when the relative cost reduction of an
	// accepted step falls below it.
	CostTol float64

	// GradTol stops the iteration when the infinity norm of the gradient
	// falls below it.
	GradTol float64

	// StepTol stops the iteration when the projected step becomes
	// negligible relative to the current parameters.
	StepTol float64
}

// DefaultSettings returns the tolerances used by the mapping pipeline.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations: 200,
		CostTol:       1e-10,
		GradTol:       1e-10,
		StepTol:       1e-12,
	}
}

const sqrtEps = 1.4901161193847656e-08 // sqrt(machine epsilon)

// Solve runs the bounded fit. On success it returns the fitted
// parameters; on ErrNoConvergence it returns the best parameters found
// so far alongside the error.
func Solve(p Problem, s Settings) ([]float64, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	if s.MaxIterations <= 0 {
		s = DefaultSettings()
	}

	n := len(p.Guess)
	m := len(p.Observed)

	x := make([]float64, n)
	copy(x, p.Guess)
	clamp(x, p.Lower, p.Upper)

	r := residual(p, x)
	cost := 0.5 * dot(r, r)
	if cost == 0 {
		return x, nil
	}

	jac := mat.NewDense(m, n, nil)
	hess := mat.NewDense(n, n, nil)
	damped := mat.NewDense(n, n, nil)
	grad := mat.NewVecDense(n, nil)
	step := mat.NewVecDense(n, nil)

	lambda := 1e-3
	xNew := make([]float64, n)

	for iter := 0; iter < s.MaxIterations; iter++ {
		jacobian(jac, p, x, r)
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))
		if normInf(grad) < s.GradTol {
			return x, nil
		}
		hess.Mul(jac.T(), jac)

		accepted := false
		for try := 0; try < 40; try++ {
			damp(damped, hess, lambda)
			neg := mat.NewVecDense(n, nil)
			neg.ScaleVec(-1, grad)
			if err := step.SolveVec(damped, neg); err != nil {
				lambda *= 10
				continue
			}
			for i := 0; i < n; i++ {
				xNew[i] = x[i] + step.AtVec(i)
			}
			clamp(xNew, p.Lower, p.Upper)
			if projectedStep(x, xNew) <= s.StepTol*(norm2(x)+s.StepTol) {
				// The bounds or the damping pinned the step; nothing
				// further to gain.
				return x, nil
			}
			rNew := residual(p, xNew)
			costNew := 0.5 * dot(rNew, rNew)
			if costNew < cost {
				drop := cost - costNew
				copy(x, xNew)
				r = rNew
				converged := drop <= s.CostTol*cost
				cost = costNew
				lambda = math.Max(lambda/3, 1e-12)
				if converged || cost == 0 {
					return x, nil
				}
				accepted = true
				break
			}
			lambda *= 4
		}
		if !accepted {
			return x, ErrNoConvergence
		}
	}
	return x, ErrNoConvergence
}

func validate(p Problem) error {
	n := len(p.Guess)
	if n == 0 {
		return fmt.Errorf("fit: empty initial guess")
	}
	if len(p.Observed) == 0 {
		return fmt.Errorf("fit: empty observed signal")
	}
	if len(p.Lower) != n || len(p.Upper) != n {
		return fmt.Errorf("fit: bounds length (%d,%d) does not match parameter count %d", len(p.Lower), len(p.Upper), n)
	}
	for i := range p.Lower {
		if p.Lower[i] > p.Upper[i] {
			return fmt.Errorf("fit: lower bound %g exceeds upper bound %g at parameter %d", p.Lower[i], p.Upper[i], i)
		}
	}
	if p.Model == nil {
		return fmt.Errorf("fit: nil model function")
	}
	return nil
}

// residual returns Model(x) - Observed.
func residual(p Problem, x []float64) []float64 {
	pred := p.Model(x)
	r := make([]float64, len(p.Observed))
	for i := range r {
		r[i] = pred[i] - p.Observed[i]
	}
	return r
}

// jacobian fills dst with the forward-difference Jacobian of the
// residual at x. Probes that would cross the upper bound step backward
// instead.
func jacobian(dst *mat.Dense, p Problem, x, r []float64) {
	n := len(x)
	m := len(r)
	probe := make([]float64, n)
	for j := 0; j < n; j++ {
		h := sqrtEps * (math.Abs(x[j]) + math.Abs(p.Guess[j]) + sqrtEps)
		copy(probe, x)
		sign := 1.0
		if x[j]+h > p.Upper[j] {
			h = -h
			sign = -1.0
		}
		probe[j] = x[j] + h
		pred := p.Model(probe)
		for i := 0; i < m; i++ {
			dst.Set(i, j, sign*(pred[i]-p.Observed[i]-r[i])/math.Abs(h))
		}
	}
}

// damp writes hess + lambda*diag(hess) into dst, substituting lambda for
// zero diagonal entries so the system stays solvable.
func damp(dst, hess *mat.Dense, lambda float64) {
	n, _ := hess.Dims()
	dst.Copy(hess)
	for i := 0; i < n; i++ {
		d := hess.At(i, i)
		if d == 0 {
			dst.Set(i, i, lambda)
		} else {
			dst.Set(i, i, d+lambda*d)
		}
	}
}

func clamp(x, lower, upper []float64) {
	for i := range x {
		if x[i] < lower[i] {
			x[i] = lower[i]
		}
		if x[i] > upper[i] {
			x[i] = upper[i]
		}
	}
}

func projectedStep(x, xNew []float64) float64 {
	s := 0.0
	for i := range x {
		d := xNew[i] - x[i]
		s += d * d
	}
	return math.Sqrt(s)
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm2(x []float64) float64 {
	return math.Sqrt(dot(x, x))
}

func normInf(v *mat.VecDense) float64 {
	max := 0.0
	for i := 0; i < v.Len(); i++ {
		if a := math.Abs(v.AtVec(i)); a > max {
			max = a
		}
	}
	return max
}
