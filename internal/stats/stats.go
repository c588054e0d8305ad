// Package stats holds the statistical primitives used by the fairness
// calculator. Nothing here knows about hiring processes.
package stats

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrEmptyTable = errors.New("contingency table has no observations")

// Proportion returns successes/n, or 0 for an empty sample.
func Proportion(successes, n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(successes) / float64(n)
}

// ZCritical is the two-sided standard normal critical value for level.
func ZCritical(level float64) float64 {
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	return distuv.UnitNormal.Quantile(1 - (1-level)/2)
}

// WilsonInterval is the Wilson score interval for a binomial proportion.
func WilsonInterval(successes, n int, level float64) (float64, float64) {
	if n <= 0 {
		return 0, 1
	}
	z := ZCritical(level)
	p := Proportion(successes, n)
	nf := float64(n)
	denom := 1 + z*z/nf
	center := (p + z*z/(2*nf)) / denom
	half := z * math.Sqrt(p*(1-p)/nf+z*z/(4*nf*nf)) / denom
	return clamp01(center - half), clamp01(center + half)
}

// NormalInterval is the Wald interval p ± z*sqrt(p(1-p)/n).
func NormalInterval(p float64, n int, level float64) (float64, float64) {
	if n <= 0 {
		return 0, 1
	}
	half := ZCritical(level) * math.Sqrt(p*(1-p)/float64(n))
	return clamp01(p - half), clamp01(p + half)
}

type ChiSquareResult struct {
	Statistic        float64
	DegreesOfFreedom int
	PValue           float64
	MinExpected      float64
	N                int
}

// ChiSquare runs Pearson's test of independence on a k×2 table of
// (selected, not selected) counts. Rows with no observations are ignored.
func ChiSquare(table [][2]int) (ChiSquareResult, error) {
	rows := make([][2]int, 0, len(table))
	for _, r := range table {
		if r[0]+r[1] > 0 {
			rows = append(rows, r)
		}
	}
	n := 0
	var colTotals [2]int
	for _, r := range rows {
		colTotals[0] += r[0]
		colTotals[1] += r[1]
		n += r[0] + r[1]
	}
	if n == 0 || len(rows) < 2 {
		return ChiSquareResult{PValue: 1, N: n}, ErrEmptyTable
	}
	res := ChiSquareResult{N: n, DegreesOfFreedom: len(rows) - 1, MinExpected: math.Inf(1)}
	for _, r := range rows {
		rowTotal := float64(r[0] + r[1])
		for c := 0; c < 2; c++ {
			expected := rowTotal * float64(colTotals[c]) / float64(n)
			if expected < res.MinExpected {
				res.MinExpected = expected
			}
			if expected == 0 {
				continue
			}
			d := float64(r[c]) - expected
			res.Statistic += d * d / expected
		}
	}
	if colTotals[0] == 0 || colTotals[1] == 0 {
		res.PValue = 1
		return res, nil
	}
	res.PValue = distuv.ChiSquared{K: float64(res.DegreesOfFreedom)}.Survival(res.Statistic)
	return res, nil
}

// FisherExact returns the two-sided p-value for the 2×2 table
//
//	| a b |
//	| c d |
//
// summing every table with the same margins that is no more likely than the
// observed one.
func FisherExact(a, b, c, d int) float64 {
	if a < 0 || b < 0 || c < 0 || d < 0 {
		return 1
	}
	row1 := a + b
	row2 := c + d
	col1 := a + c
	n := row1 + row2
	if n == 0 {
		return 1
	}
	logP := func(x int) float64 {
		return logChoose(row1, x) + logChoose(row2, col1-x) - logChoose(n, col1)
	}
	observed := logP(a)
	lo := max(0, col1-row2)
	hi := min(row1, col1)
	p := 0.0
	for x := lo; x <= hi; x++ {
		lp := logP(x)
		if lp <= observed+1e-7 {
			p += math.Exp(lp)
		}
	}
	return math.Min(1, p)
}

func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	a, _ := math.Lgamma(float64(n + 1))
	b, _ := math.Lgamma(float64(k + 1))
	c, _ := math.Lgamma(float64(n - k + 1))
	return a - b - c
}

// CohensH is the absolute effect size between two proportions.
func CohensH(p1, p2 float64) float64 {
	return math.Abs(2*math.Asin(math.Sqrt(clamp01(p1))) - 2*math.Asin(math.Sqrt(clamp01(p2))))
}

// CramersV for a k×2 table reduces to sqrt(chi2/n).
func CramersV(chi2 float64, n, rows, cols int) float64 {
	if n <= 0 {
		return 0
	}
	m := min(rows, cols) - 1
	if m <= 0 {
		return 0
	}
	return math.Min(1, math.Sqrt(chi2/(float64(n)*float64(m))))
}

// PowerTwoProportions approximates the power of a two-sided test detecting
// effect size h with nPerGroup observations in each of two groups.
func PowerTwoProportions(h float64, nPerGroup int, alpha float64) float64 {
	if nPerGroup <= 0 || h <= 0 {
		return 0
	}
	zAlpha := distuv.UnitNormal.Quantile(1 - alpha/2)
	return distuv.UnitNormal.CDF(h*math.Sqrt(float64(nPerGroup)/2) - zAlpha)
}

// RequiredSampleSize is the per-group n needed for the given power.
func RequiredSampleSize(h, alpha, power float64) int {
	if h <= 0 {
		return 0
	}
	zAlpha := distuv.UnitNormal.Quantile(1 - alpha/2)
	zBeta := distuv.UnitNormal.Quantile(power)
	n := 2 * math.Pow((zAlpha+zBeta)/h, 2)
	return int(math.Ceil(n))
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// CoefficientOfVariation is the population standard deviation over the mean.
// A zero mean yields 0 when every value is zero and 1 otherwise.
func CoefficientOfVariation(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean, std := stat.PopMeanStdDev(xs, nil)
	if mean == 0 {
		if std == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(std / mean)
}

// ZScores standardizes xs with the sample standard deviation. A constant
// sample yields all zeros.
func ZScores(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) < 2 {
		return out
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if std == 0 || math.IsNaN(std) {
		return out
	}
	for i, x := range xs {
		out[i] = (x - mean) / std
	}
	return out
}

// Bootstrap draws resamples of n indices with replacement from a PCG source
// seeded by seed and applies statistic to each.
func Bootstrap(n, resamples int, seed uint64, statistic func(idx []int) float64) []float64 {
	if n <= 0 || resamples <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	idx := make([]int, n)
	out := make([]float64, 0, resamples)
	for r := 0; r < resamples; r++ {
		for i := range idx {
			idx[i] = rng.IntN(n)
		}
		v := statistic(idx)
		if math.IsNaN(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// PercentileInterval is the empirical (lower, upper) quantile pair of values.
func PercentileInterval(values []float64, level float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 1
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	alpha := (1 - level) / 2
	lo := stat.Quantile(alpha, stat.Empirical, sorted, nil)
	hi := stat.Quantile(1-alpha, stat.Empirical, sorted, nil)
	return lo, hi
}

func Clamp01(v float64) float64 {
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
