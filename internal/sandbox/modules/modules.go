// Package modules implements the host-side library modules that sandboxed
// snippets can import. Each module is produced by a Loader registered under
// its import name. Loaders build a fresh instance per call so per-module
// state (random generators, logger registries) never leaks between
// executions.
//
// The registry holds raw modules. Whether a module is importable at all, and
// through which facade, is decided by the sandbox capability policy, not here.
package modules

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Env carries host settings that loaders consult when building a module.
type Env struct {
	// WorkDir is the root directory for path and archive lookups.
	WorkDir string

	// RegexTimeout bounds a single regular-expression match.
	RegexTimeout time.Duration
}

func (e *Env) workDir() string {
	if e != nil && e.WorkDir != "" {
		return e.WorkDir
	}
	return "."
}

func (e *Env) regexTimeout() time.Duration {
	if e != nil && e.RegexTimeout > 0 {
		return e.RegexTimeout
	}
	return 2 * time.Second
}

// Loader builds a fresh instance of a module.
type Loader func(env *Env) (*starlarkstruct.Module, error)

// Registry maps import names to loaders. Safe for concurrent reads after
// registration.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// Register adds a loader. Registering the same name twice replaces it.
func (r *Registry) Register(name string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = l
}

// Lookup returns the loader for name.
func (r *Registry) Lookup(name string) (Loader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[name]
	return l, ok
}

// Load builds the named module.
func (r *Registry) Load(name string, env *Env) (*starlarkstruct.Module, error) {
	l, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no loader registered for module %q", name)
	}
	m, err := l(env)
	if err != nil {
		return nil, fmt.Errorf("loading module %s: %w", name, err)
	}
	return m, nil
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaders))
	for n := range r.loaders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry holding every host module.
func Default() *Registry {
	r := NewRegistry()
	r.Register("math", loadMath)
	r.Register("json", loadJSON)
	r.Register("time", loadTime)
	r.Register("re", loadRe)
	r.Register("random", loadRandom)
	r.Register("string", loadString)
	r.Register("base64", loadBase64)
	r.Register("hashlib", loadHashlib)
	r.Register("uuid", loadUUID)
	r.Register("unicodedata", loadUnicodedata)
	r.Register("html", loadHTML)
	r.Register("urllib", loadURLLib)
	r.Register("os", loadOS)
	r.Register("os.path", loadOSPath)
	r.Register("gzip", loadGzip)
	r.Register("statistics", loadStatistics)
	r.Register("sys", loadSys)
	r.Register("zipfile", loadZipfile)
	r.Register("tarfile", loadTarfile)
	r.Register("getpass", loadGetpass)
	r.Register("logging", loadLogging)
	return r
}

// --- Thread-local plumbing ---

const (
	streamsKey = "galaxy.streams"
	contextKey = "galaxy.context"
)

// Streams is the per-execution destination for output written by modules.
type Streams interface {
	Stdout() io.Writer
	Stderr() io.Writer
}

// BindStreams attaches the execution's output streams to thread.
func BindStreams(thread *starlark.Thread, s Streams) {
	thread.SetLocal(streamsKey, s)
}

// BindContext attaches the execution's context to thread so blocking module
// functions can observe cancellation.
func BindContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal(contextKey, ctx)
}

func streamsOf(thread *starlark.Thread) Streams {
	if s, ok := thread.Local(streamsKey).(Streams); ok && s != nil {
		return s
	}
	return discardStreams{}
}

func contextOf(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok && ctx != nil {
		return ctx
	}
	return context.Background()
}

type discardStreams struct{}

func (discardStreams) Stdout() io.Writer { return io.Discard }
func (discardStreams) Stderr() io.Writer { return io.Discard }

// StdoutOf returns the stdout writer bound to thread.
func StdoutOf(thread *starlark.Thread) io.Writer { return streamsOf(thread).Stdout() }

// StderrOf returns the stderr writer bound to thread.
func StderrOf(thread *starlark.Thread) io.Writer { return streamsOf(thread).Stderr() }
