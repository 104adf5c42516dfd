package modules

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const (
	levelNotset   = 0
	levelDebug    = 10
	levelInfo     = 20
	levelWarning  = 30
	levelError    = 40
	levelCritical = 50

	defaultLogFormat = "%(levelname)s:%(name)s:%(message)s"
)

var levelNames = map[int]string{
	levelNotset:   "NOTSET",
	levelDebug:    "DEBUG",
	levelInfo:     "INFO",
	levelWarning:  "WARNING",
	levelError:    "ERROR",
	levelCritical: "CRITICAL",
}

func levelName(level int) string {
	if n, ok := levelNames[level]; ok {
		return n
	}
	return "Level " + strconv.Itoa(level)
}

func parseLevel(fnName string, v starlark.Value) (int, error) {
	if s, ok := starlark.AsString(v); ok {
		for n, name := range levelNames {
			if name == s {
				return n, nil
			}
		}
		if s == "WARN" {
			return levelWarning, nil
		}
		return 0, fmt.Errorf("%s: Unknown level: %q", fnName, s)
	}
	n, err := starlark.AsInt32(v)
	if err != nil {
		return 0, fmt.Errorf("%s: level must be an int or str, not %s", fnName, v.Type())
	}
	return n, nil
}

// logState is the logger hierarchy of one module instance.
type logState struct {
	root    *logger
	loggers map[string]*logger
}

// loadLogging builds the logging module. Handlers write to the snippet's
// stderr or to a stream object; there is no file handler.
func loadLogging(_ *Env) (*starlarkstruct.Module, error) {
	st := &logState{loggers: map[string]*logger{}}
	st.root = &logger{state: st, name: "root", level: levelWarning, propagate: true}

	levelFunc := func(level int) *starlark.Builtin {
		name := "logging." + strings.ToLower(levelName(level))
		return fn(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(st.root.handlers) == 0 {
				if err := st.basicConfig(thread, b.Name(), nil); err != nil {
					return nil, err
				}
			}
			return st.root.logCall(thread, b.Name(), level, args)
		})
	}

	return newModule("logging", starlark.StringDict{
		"NOTSET":   starlark.MakeInt(levelNotset),
		"DEBUG":    starlark.MakeInt(levelDebug),
		"INFO":     starlark.MakeInt(levelInfo),
		"WARNING":  starlark.MakeInt(levelWarning),
		"WARN":     starlark.MakeInt(levelWarning),
		"ERROR":    starlark.MakeInt(levelError),
		"CRITICAL": starlark.MakeInt(levelCritical),
		"getLogger": fn("logging.getLogger", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name?", &name); err != nil {
				return nil, err
			}
			s, _ := starlark.AsString(name)
			return st.getLogger(s), nil
		}),
		"Logger": fn("logging.Logger", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var level starlark.Value = starlark.MakeInt(levelNotset)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "level?", &level); err != nil {
				return nil, err
			}
			lv, err := parseLevel(b.Name(), level)
			if err != nil {
				return nil, err
			}
			return &logger{state: st, name: name, level: lv, propagate: true}, nil
		}),
		"basicConfig": fn("logging.basicConfig", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(args) > 0 {
				return nil, fmt.Errorf("%s: unexpected positional arguments", b.Name())
			}
			return starlark.None, st.basicConfig(thread, b.Name(), kwargs)
		}),
		"StreamHandler": fn("logging.StreamHandler", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var stream starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stream?", &stream); err != nil {
				return nil, err
			}
			h := &logHandler{kind: "StreamHandler"}
			if stream != starlark.None {
				h.stream = stream
			}
			return h, nil
		}),
		"Formatter": fn("logging.Formatter", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			format := "%(message)s"
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fmt?", &format); err != nil {
				return nil, err
			}
			return logFormatter{format: format}, nil
		}),
		"getLevelName": fn("logging.getLevelName", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var level int
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &level); err != nil {
				return nil, err
			}
			return starlark.String(levelName(level)), nil
		}),
		"debug":    levelFunc(levelDebug),
		"info":     levelFunc(levelInfo),
		"warning":  levelFunc(levelWarning),
		"error":    levelFunc(levelError),
		"critical": levelFunc(levelCritical),
	}), nil
}

func (st *logState) getLogger(name string) *logger {
	if name == "" || name == "root" {
		return st.root
	}
	if l, ok := st.loggers[name]; ok {
		return l
	}
	l := &logger{state: st, name: name, propagate: true}
	st.loggers[name] = l
	return l
}

// parent returns the nearest existing ancestor in the dotted hierarchy.
func (st *logState) parent(l *logger) *logger {
	if l == st.root {
		return nil
	}
	name := l.name
	for {
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			return st.root
		}
		name = name[:i]
		if p, ok := st.loggers[name]; ok {
			return p
		}
	}
}

func (st *logState) basicConfig(thread *starlark.Thread, fnName string, kwargs []starlark.Tuple) error {
	var (
		level    starlark.Value = starlark.None
		format                  = defaultLogFormat
		handlers starlark.Value = starlark.None
		stream   starlark.Value = starlark.None
		force    bool
	)
	if err := starlark.UnpackArgs(fnName, nil, kwargs,
		"level?", &level, "format?", &format,
		"handlers?", &handlers, "stream?", &stream, "force?", &force); err != nil {
		return err
	}
	if len(st.root.handlers) > 0 && !force {
		return nil
	}
	st.root.handlers = nil
	var added []*logHandler
	switch {
	case handlers != starlark.None:
		iterable, ok := handlers.(starlark.Iterable)
		if !ok {
			return fmt.Errorf("%s: handlers must be iterable", fnName)
		}
		it := iterable.Iterate()
		defer it.Done()
		var x starlark.Value
		for it.Next(&x) {
			h, ok := x.(*logHandler)
			if !ok {
				return fmt.Errorf("%s: %s is not a handler", fnName, x.Type())
			}
			added = append(added, h)
		}
	default:
		h := &logHandler{kind: "StreamHandler"}
		if stream != starlark.None {
			h.stream = stream
		}
		added = append(added, h)
	}
	for _, h := range added {
		if h.format == "" {
			h.format = format
		}
	}
	st.root.handlers = added
	if level != starlark.None {
		lv, err := parseLevel(fnName, level)
		if err != nil {
			return err
		}
		st.root.level = lv
	}
	return nil
}

// --- logger ---

type logger struct {
	state     *logState
	name      string
	level     int
	handlers  []*logHandler
	propagate bool
}

var _ starlark.HasAttrs = (*logger)(nil)

func (l *logger) String() string {
	return fmt.Sprintf("<Logger %s (%s)>", l.name, levelName(l.effectiveLevel()))
}
func (l *logger) Type() string          { return "Logger" }
func (l *logger) Freeze()               {}
func (l *logger) Truth() starlark.Bool  { return starlark.True }
func (l *logger) Hash() (uint32, error) { return starlark.String(l.name).Hash() }

func (l *logger) effectiveLevel() int {
	for cur := l; cur != nil; cur = l.state.parent(cur) {
		if cur.level != levelNotset {
			return cur.level
		}
	}
	return levelNotset
}

var loggerAttrs = []string{
	"addHandler", "critical", "debug", "error", "exception", "getEffectiveLevel",
	"handlers", "hasHandlers", "info", "isEnabledFor", "level", "log", "name",
	"propagate", "removeHandler", "setLevel", "warning",
}

func (l *logger) AttrNames() []string { return loggerAttrs }

func (l *logger) Attr(name string) (starlark.Value, error) {
	method := "Logger." + name
	switch name {
	case "name":
		return starlark.String(l.name), nil
	case "level":
		return starlark.MakeInt(l.level), nil
	case "propagate":
		return starlark.Bool(l.propagate), nil
	case "handlers":
		hs := make([]starlark.Value, len(l.handlers))
		for i, h := range l.handlers {
			hs[i] = h
		}
		return starlark.NewList(hs), nil
	case "debug", "info", "warning", "error", "critical", "exception":
		level := map[string]int{
			"debug": levelDebug, "info": levelInfo, "warning": levelWarning,
			"error": levelError, "critical": levelCritical, "exception": levelError,
		}[name]
		return fn(method, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return l.logCall(thread, b.Name(), level, args)
		}), nil
	case "log":
		return fn(method, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("%s: missing level argument", b.Name())
			}
			level, err := parseLevel(b.Name(), args[0])
			if err != nil {
				return nil, err
			}
			return l.logCall(thread, b.Name(), level, args[1:])
		}), nil
	case "setLevel":
		return fn(method, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
				return nil, err
			}
			lv, err := parseLevel(b.Name(), v)
			if err != nil {
				return nil, err
			}
			l.level = lv
			return starlark.None, nil
		}), nil
	case "getEffectiveLevel":
		return fn(method, func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.MakeInt(l.effectiveLevel()), nil
		}), nil
	case "isEnabledFor":
		return fn(method, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var level int
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &level); err != nil {
				return nil, err
			}
			return starlark.Bool(level >= l.effectiveLevel()), nil
		}), nil
	case "hasHandlers":
		return fn(method, func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			for cur := l; cur != nil; cur = l.state.parent(cur) {
				if len(cur.handlers) > 0 {
					return starlark.True, nil
				}
			}
			return starlark.False, nil
		}), nil
	case "addHandler", "removeHandler":
		return fn(method, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var h *logHandler
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &h); err != nil {
				return nil, err
			}
			kept := l.handlers[:0:0]
			for _, existing := range l.handlers {
				if existing != h {
					kept = append(kept, existing)
				}
			}
			if name == "addHandler" {
				kept = append(kept, h)
			}
			l.handlers = kept
			return starlark.None, nil
		}), nil
	}
	return nil, nil
}

func (l *logger) logCall(thread *starlark.Thread, fnName string, level int, args starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing msg argument", fnName)
	}
	if level < l.effectiveLevel() {
		return starlark.None, nil
	}
	msg := plainString(args[0])
	if len(args) > 1 {
		var fmtArgs starlark.Value = args[1:]
		if len(args) == 2 {
			if _, isMap := args[1].(starlark.IterableMapping); isMap {
				fmtArgs = args[1]
			}
		}
		formatted, err := starlark.Binary(syntax.PERCENT, starlark.String(msg), fmtArgs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnName, err)
		}
		msg = plainString(formatted)
	}
	rec := logRecord{name: l.name, level: level, message: msg, created: time.Now()}

	handled := false
	for cur := l; cur != nil; cur = l.state.parent(cur) {
		for _, h := range cur.handlers {
			handled = true
			if level < h.level {
				continue
			}
			if err := h.emit(thread, rec); err != nil {
				return nil, fmt.Errorf("%s: %w", fnName, err)
			}
		}
		if !cur.propagate {
			break
		}
	}
	if !handled && level >= levelWarning {
		io.WriteString(StderrOf(thread), msg+"\n")
	}
	return starlark.None, nil
}

// --- handlers and formatting ---

type logRecord struct {
	name    string
	level   int
	message string
	created time.Time
}

func (r logRecord) field(key string) (string, bool) {
	switch key {
	case "name":
		return r.name, true
	case "levelname":
		return levelName(r.level), true
	case "levelno":
		return strconv.Itoa(r.level), true
	case "message":
		return r.message, true
	case "asctime":
		return r.created.Format("2006-01-02 15:04:05") + fmt.Sprintf(",%03d", r.created.Nanosecond()/1e6), true
	case "created":
		return strconv.FormatFloat(float64(r.created.UnixNano())/1e9, 'f', -1, 64), true
	case "module", "funcName":
		return "<module>", true
	case "filename":
		return "<string>", true
	case "lineno":
		return "0", true
	case "process", "thread":
		return "0", true
	}
	return "", false
}

// formatRecord expands %(key)s style placeholders. Width and precision
// flags are ignored.
func formatRecord(format string, r logRecord) string {
	var sb strings.Builder
	for {
		i := strings.IndexByte(format, '%')
		if i < 0 || i == len(format)-1 {
			sb.WriteString(format)
			break
		}
		sb.WriteString(format[:i])
		switch format[i+1] {
		case '%':
			sb.WriteByte('%')
			format = format[i+2:]
			continue
		case '(':
		default:
			sb.WriteByte('%')
			format = format[i+1:]
			continue
		}
		rest := format[i+2:]
		j := strings.IndexByte(rest, ')')
		k := -1
		if j >= 0 {
			k = strings.IndexAny(rest[j+1:], "sdfr")
		}
		if k < 0 {
			sb.WriteString(format[i:])
			break
		}
		key := rest[:j]
		if v, ok := r.field(key); ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(format[i : i+2+j+1+k+1])
		}
		format = rest[j+1+k+1:]
	}
	return sb.String()
}

type logHandler struct {
	kind   string
	level  int
	format string
	stream starlark.Value
}

var _ starlark.HasAttrs = (*logHandler)(nil)

func (h *logHandler) String() string        { return fmt.Sprintf("<%s (%s)>", h.kind, levelName(h.level)) }
func (h *logHandler) Type() string          { return h.kind }
func (h *logHandler) Freeze()               {}
func (h *logHandler) Truth() starlark.Bool  { return starlark.True }
func (h *logHandler) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", h.kind) }

func (h *logHandler) AttrNames() []string { return []string{"level", "setFormatter", "setLevel"} }

func (h *logHandler) Attr(name string) (starlark.Value, error) {
	switch name {
	case "level":
		return starlark.MakeInt(h.level), nil
	case "setLevel":
		return fn(h.kind+".setLevel", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
				return nil, err
			}
			lv, err := parseLevel(b.Name(), v)
			if err != nil {
				return nil, err
			}
			h.level = lv
			return starlark.None, nil
		}), nil
	case "setFormatter":
		return fn(h.kind+".setFormatter", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var f logFormatter
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &f); err != nil {
				return nil, err
			}
			h.format = f.format
			return starlark.None, nil
		}), nil
	}
	return nil, nil
}

func (h *logHandler) emit(thread *starlark.Thread, r logRecord) error {
	format := h.format
	if format == "" {
		format = "%(message)s"
	}
	line := formatRecord(format, r) + "\n"
	switch {
	case h.stream != nil:
		obj, ok := h.stream.(starlark.HasAttrs)
		if !ok {
			return fmt.Errorf("stream %s has no write method", h.stream.Type())
		}
		write, err := obj.Attr("write")
		if err != nil {
			return err
		}
		if write == nil {
			return fmt.Errorf("stream %s has no write method", h.stream.Type())
		}
		_, err = starlark.Call(thread, write, starlark.Tuple{starlark.String(line)}, nil)
		return err
	default:
		_, err := io.WriteString(StderrOf(thread), line)
		return err
	}
}

type logFormatter struct {
	format string
}

var _ starlark.Unpacker = (*logFormatter)(nil)

func (f logFormatter) String() string        { return "<Formatter>" }
func (f logFormatter) Type() string          { return "Formatter" }
func (f logFormatter) Freeze()               {}
func (f logFormatter) Truth() starlark.Bool  { return starlark.True }
func (f logFormatter) Hash() (uint32, error) { return starlark.String(f.format).Hash() }

func (f *logFormatter) Unpack(v starlark.Value) error {
	other, ok := v.(logFormatter)
	if !ok {
		return fmt.Errorf("got %s, want Formatter", v.Type())
	}
	*f = other
	return nil
}
