package modules

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

func loadStatistics(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("statistics", starlark.StringDict{
		"mean":      fn("statistics.mean", statMean),
		"fmean":     fn("statistics.fmean", statFunc(1, func(xs []float64) float64 { return mean(xs) })),
		"median":    fn("statistics.median", statMedian),
		"mode":      fn("statistics.mode", statMode),
		"variance":  fn("statistics.variance", statFunc(2, func(xs []float64) float64 { return variance(xs, 1) })),
		"pvariance": fn("statistics.pvariance", statFunc(1, func(xs []float64) float64 { return variance(xs, 0) })),
		"stdev":     fn("statistics.stdev", statFunc(2, func(xs []float64) float64 { return math.Sqrt(variance(xs, 1)) })),
		"pstdev":    fn("statistics.pstdev", statFunc(1, func(xs []float64) float64 { return math.Sqrt(variance(xs, 0)) })),
	}), nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance with ddof 1 is the sample variance, 0 the population variance.
func variance(xs []float64, ddof int) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss / float64(len(xs)-ddof)
}

func statFunc(minPoints int, f func([]float64) float64) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
			return nil, err
		}
		xs, err := iterateFloats(b.Name(), data)
		if err != nil {
			return nil, err
		}
		if len(xs) < minPoints {
			return nil, insufficientData(b.Name(), minPoints)
		}
		return starlark.Float(f(xs)), nil
	}
}

func insufficientData(fnName string, n int) error {
	if n == 1 {
		return fmt.Errorf("%s: StatisticsError: requires at least one data point", fnName)
	}
	return fmt.Errorf("%s: StatisticsError: requires at least two data points", fnName)
}

// statMean keeps integer results integral when the sum divides evenly.
func statMean(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	values, err := collect(b.Name(), data)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, insufficientData(b.Name(), 1)
	}
	sum := starlark.MakeInt(0)
	allInts := true
	for _, v := range values {
		i, ok := v.(starlark.Int)
		if !ok {
			allInts = false
			break
		}
		sum = sum.Add(i)
	}
	n := starlark.MakeInt(len(values))
	if allInts {
		if rem, err := starlark.Binary(syntax.PERCENT, sum, n); err == nil && rem.(starlark.Int).Sign() == 0 {
			return starlark.Binary(syntax.SLASHSLASH, sum, n)
		}
	}
	xs, err := iterateFloats(b.Name(), data)
	if err != nil {
		return nil, err
	}
	return starlark.Float(mean(xs)), nil
}

func statMedian(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	values, err := collect(b.Name(), data)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: StatisticsError: no median for empty data", b.Name())
	}
	var sortErr error
	sort.SliceStable(values, func(i, j int) bool {
		less, err := starlark.Compare(syntax.LT, values[i], values[j])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return less
	})
	if sortErr != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), sortErr)
	}
	n := len(values)
	if n%2 == 1 {
		return values[n/2], nil
	}
	lo, ok1 := starlark.AsFloat(values[n/2-1])
	hi, ok2 := starlark.AsFloat(values[n/2])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: data must be numeric", b.Name())
	}
	return starlark.Float((lo + hi) / 2), nil
}

// statMode returns the first most common value.
func statMode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	values, err := collect(b.Name(), data)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: StatisticsError: no mode for empty data", b.Name())
	}
	counts := starlark.NewDict(len(values))
	var best starlark.Value
	bestCount := 0
	for _, v := range values {
		c := 0
		if prev, found, err := counts.Get(v); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		} else if found {
			c, _ = starlark.AsInt32(prev)
		}
		c++
		if err := counts.SetKey(v, starlark.MakeInt(c)); err != nil {
			return nil, err
		}
		if c > bestCount {
			best, bestCount = v, c
		}
	}
	return best, nil
}

func collect(fnName string, v starlark.Value) ([]starlark.Value, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: '%s' object is not iterable", fnName, v.Type())
	}
	it := iterable.Iterate()
	defer it.Done()
	var out []starlark.Value
	var x starlark.Value
	for it.Next(&x) {
		out = append(out, x)
	}
	return out, nil
}
