package modules

import (
	"fmt"
	"math"
	"time"

	"github.com/ncruces/go-strftime"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var processStart = time.Now()

func loadTime(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("time", starlark.StringDict{
		"time": fn("time.time", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.Float(float64(time.Now().UnixNano()) / 1e9), nil
		}),
		"time_ns": fn("time.time_ns", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.MakeInt64(time.Now().UnixNano()), nil
		}),
		"monotonic": fn("time.monotonic", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.Float(time.Since(processStart).Seconds()), nil
		}),
		"sleep":     fn("time.sleep", timeSleep),
		"gmtime":    fn("time.gmtime", structTimeFunc(time.UTC)),
		"localtime": fn("time.localtime", structTimeFunc(time.Local)),
		"strftime":  fn("time.strftime", timeStrftime),
		"strptime":  fn("time.strptime", timeStrptime),
	}), nil
}

// timeSleep blocks for the requested duration or until the execution's
// context is done.
func timeSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var secs starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &secs); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(secs)
	if !ok {
		return nil, fmt.Errorf("%s: 'float' or 'int' expected, got %s", b.Name(), secs.Type())
	}
	if f < 0 || math.IsNaN(f) {
		return nil, fmt.Errorf("%s: sleep length must be non-negative", b.Name())
	}
	timer := time.NewTimer(time.Duration(f * float64(time.Second)))
	defer timer.Stop()
	ctx := contextOf(thread)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", b.Name(), ctx.Err())
	case <-timer.C:
		return starlark.None, nil
	}
}

func structTimeFunc(loc *time.Location) builtinFunc {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var secs starlark.Value = starlark.None
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &secs); err != nil {
			return nil, err
		}
		t := time.Now()
		if secs != starlark.None {
			f, ok := starlark.AsFloat(secs)
			if !ok {
				return nil, fmt.Errorf("%s: 'float' or 'int' expected, got %s", b.Name(), secs.Type())
			}
			t = fromEpoch(f)
		}
		return structTime(t.In(loc)), nil
	}
}

func timeStrftime(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var format string
	var t starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &format, &t); err != nil {
		return nil, err
	}
	when, err := toTime(b.Name(), t)
	if err != nil {
		return nil, err
	}
	return starlark.String(strftime.Format(format, when)), nil
}

func timeStrptime(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value, format string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &value, &format); err != nil {
		return nil, err
	}
	t, err := strftime.Parse(format, value)
	if err != nil {
		return nil, fmt.Errorf("%s: time data %q does not match format %q", b.Name(), value, format)
	}
	return structTime(t), nil
}

func fromEpoch(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// structTime mirrors the fields of a Python struct_time. tm_wday counts
// from Monday.
func structTime(t time.Time) *starlarkstruct.Struct {
	isDST := 0
	if t.IsDST() {
		isDST = 1
	}
	return starlarkstruct.FromStringDict(starlark.String("struct_time"), starlark.StringDict{
		"tm_year":  starlark.MakeInt(t.Year()),
		"tm_mon":   starlark.MakeInt(int(t.Month())),
		"tm_mday":  starlark.MakeInt(t.Day()),
		"tm_hour":  starlark.MakeInt(t.Hour()),
		"tm_min":   starlark.MakeInt(t.Minute()),
		"tm_sec":   starlark.MakeInt(t.Second()),
		"tm_wday":  starlark.MakeInt((int(t.Weekday()) + 6) % 7),
		"tm_yday":  starlark.MakeInt(t.YearDay()),
		"tm_isdst": starlark.MakeInt(isDST),
	})
}

func toTime(fnName string, v starlark.Value) (time.Time, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return time.Now(), nil
	case *starlarkstruct.Struct:
		field := func(name string) (int, error) {
			fv, err := x.Attr(name)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", fnName, err)
			}
			return starlark.AsInt32(fv)
		}
		var parts [6]int
		for i, name := range []string{"tm_year", "tm_mon", "tm_mday", "tm_hour", "tm_min", "tm_sec"} {
			n, err := field(name)
			if err != nil {
				return time.Time{}, err
			}
			parts[i] = n
		}
		return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, time.Local), nil
	default:
		f, ok := starlark.AsFloat(v)
		if !ok {
			return time.Time{}, fmt.Errorf("%s: Tuple or struct_time argument required", fnName)
		}
		return fromEpoch(f), nil
	}
}
