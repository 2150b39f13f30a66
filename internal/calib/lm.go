package calib

import (
	"context"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	lmInitialLambda = 1e-3
	lmMinLambda     = 1e-9
	lmMaxLambda     = 1e16
	lmJacobianStep  = 1e-7
)

// residualFunc writes the residual vector for params into dst. It must be
// safe for concurrent use.
type residualFunc func(dst, params []float64)

type lmResult struct {
	params     []float64
	cost       float64
	iterations int
}

// levenbergMarquardt minimizes the squared norm of f over m residuals,
// starting at x0. Parameters are rescaled by their initial magnitude so a
// single finite-difference step suits focal lengths and distortion alike.
func levenbergMarquardt(ctx context.Context, f residualFunc, m int, x0 []float64, criteria TermCriteria) (lmResult, error) {
	n := len(x0)
	scale := make([]float64, n)
	for i, v := range x0 {
		scale[i] = math.Max(math.Abs(v), 1)
	}
	z := make([]float64, n)
	floats.DivTo(z, x0, scale)

	scaled := func(dst, zz []float64) {
		x := make([]float64, n)
		floats.MulTo(x, zz, scale)
		f(dst, x)
	}

	r := make([]float64, m)
	scaled(r, z)
	cost := floats.Dot(r, r)
	lambda := lmInitialLambda

	jac := mat.NewDense(m, n, nil)
	var jtj mat.SymDense
	var chol mat.Cholesky
	a := mat.NewSymDense(n, nil)
	g := mat.NewVecDense(n, nil)
	delta := mat.NewVecDense(n, nil)
	zNew := make([]float64, n)
	rNew := make([]float64, m)

	iter := 0
	for ; iter < criteria.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return lmResult{}, err
		}

		fd.Jacobian(jac, scaled, z, &fd.JacobianSettings{
			Formula:     fd.Forward,
			OriginValue: r,
			Step:        lmJacobianStep,
			Concurrent:  true,
		})
		jtj.Reset()
		jtj.SymOuterK(1, jac.T())
		g.MulVec(jac.T(), mat.NewVecDense(m, r))

		improved, converged := false, false
		for !improved {
			a.CopySym(&jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				a.SetSym(i, i, d+lambda*math.Max(d, lmMinLambda))
			}
			solved := chol.Factorize(a) && chol.SolveVecTo(delta, g) == nil
			if !solved {
				lambda *= 10
				if lambda > lmMaxLambda {
					converged = true
					break
				}
				continue
			}
			for i := range zNew {
				zNew[i] = z[i] - delta.AtVec(i)
			}
			scaled(rNew, zNew)
			costNew := floats.Dot(rNew, rNew)
			if costNew < cost && !math.IsNaN(costNew) {
				change := (cost - costNew) / math.Max(cost, math.SmallestNonzeroFloat64)
				copy(z, zNew)
				copy(r, rNew)
				cost = costNew
				lambda = math.Max(lambda/10, lmMinLambda)
				improved = true
				converged = change < criteria.Epsilon
			} else {
				lambda *= 10
				if lambda > lmMaxLambda {
					converged = true
					break
				}
			}
		}
		if converged || cost == 0 {
			iter++
			break
		}
	}

	x := make([]float64, n)
	floats.MulTo(x, z, scale)
	return lmResult{params: x, cost: cost, iterations: iter}, nil
}
