package modules

import (
	"fmt"
	"math"
	"math/rand/v2"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// loadRandom returns a random module backed by a generator private to the
// module instance, so seeding in one execution never affects another.
func loadRandom(_ *Env) (*starlarkstruct.Module, error) {
	g := &generator{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	return newModule("random", starlark.StringDict{
		"seed":      fn("random.seed", g.seed),
		"random":    fn("random.random", g.random),
		"uniform":   fn("random.uniform", g.uniform),
		"randint":   fn("random.randint", g.randint),
		"randrange": fn("random.randrange", g.randrange),
		"choice":    fn("random.choice", g.choice),
		"shuffle":   fn("random.shuffle", g.shuffle),
		"sample":    fn("random.sample", g.sample),
		"gauss":     fn("random.gauss", g.gauss),
	}), nil
}

type generator struct {
	r *rand.Rand
}

func (g *generator) seed(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &a); err != nil {
		return nil, err
	}
	var s uint64
	switch v := a.(type) {
	case starlark.NoneType:
		s = rand.Uint64()
	case starlark.Int:
		n, ok := v.Int64()
		if !ok {
			n = int64(v.BigInt().Uint64())
		}
		s = uint64(n)
	default:
		h, err := a.Hash()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		s = uint64(h)
	}
	g.r = rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
	return starlark.None, nil
}

func (g *generator) random(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.Float(g.r.Float64()), nil
}

func (g *generator) uniform(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	a, ok1 := starlark.AsFloat(lo)
	z, ok2 := starlark.AsFloat(hi)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: arguments must be numbers", b.Name())
	}
	return starlark.Float(a + (z-a)*g.r.Float64()), nil
}

func (g *generator) randint(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("%s: empty range for randint(%d, %d)", b.Name(), lo, hi)
	}
	return starlark.MakeInt64(int64(lo) + g.r.Int64N(int64(hi-lo)+1)), nil
}

func (g *generator) randrange(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int = 0, math.MinInt, 1
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &start, &stop, &step); err != nil {
		return nil, err
	}
	if stop == math.MinInt {
		start, stop = 0, start
	}
	if step == 0 {
		return nil, fmt.Errorf("%s: zero step for randrange()", b.Name())
	}
	n := (stop - start + step - sign(step)) / step
	if n <= 0 {
		return nil, fmt.Errorf("%s: empty range for randrange(%d, %d, %d)", b.Name(), start, stop, step)
	}
	return starlark.MakeInt(start + step*g.r.IntN(n)), nil
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}

func (g *generator) choice(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seq starlark.Indexable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seq); err != nil {
		return nil, err
	}
	if seq.Len() == 0 {
		return nil, fmt.Errorf("%s: Cannot choose from an empty sequence", b.Name())
	}
	return seq.Index(g.r.IntN(seq.Len())), nil
}

func (g *generator) shuffle(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var list *starlark.List
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &list); err != nil {
		return nil, err
	}
	var err error
	g.r.Shuffle(list.Len(), func(i, j int) {
		if err != nil {
			return
		}
		a, c := list.Index(i), list.Index(j)
		if err = list.SetIndex(i, c); err == nil {
			err = list.SetIndex(j, a)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func (g *generator) sample(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var population starlark.Indexable
	var k int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "population", &population, "k", &k); err != nil {
		return nil, err
	}
	n := population.Len()
	if k < 0 || k > n {
		return nil, fmt.Errorf("%s: Sample larger than population or is negative", b.Name())
	}
	perm := g.r.Perm(n)[:k]
	out := make([]starlark.Value, k)
	for i, idx := range perm {
		out[i] = population.Index(idx)
	}
	return starlark.NewList(out), nil
}

func (g *generator) gauss(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var mu, sigma starlark.Value = starlark.Float(0), starlark.Float(1)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &mu, &sigma); err != nil {
		return nil, err
	}
	m, ok1 := starlark.AsFloat(mu)
	s, ok2 := starlark.AsFloat(sigma)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: arguments must be numbers", b.Name())
	}
	return starlark.Float(m + s*g.r.NormFloat64()), nil
}
