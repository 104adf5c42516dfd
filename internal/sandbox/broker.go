package sandbox

import (
	"fmt"
	"strings"

	"github.com/jkaninda/galaxy/internal/sandbox/modules"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Broker is the single point through which executed code obtains modules.
// A Broker belongs to one execution; it caches what it resolves so repeated
// imports yield the same value.
type Broker struct {
	policy   *Policy
	registry *modules.Registry
	env      *modules.Env
	denials  DenialHandler

	cache map[string]starlark.Value
	raw   map[string]*starlarkstruct.Module
}

// NewBroker creates a broker for one execution.
func NewBroker(policy *Policy, registry *modules.Registry, env *modules.Env, denials DenialHandler) *Broker {
	if denials == nil {
		denials = &NopDenialHandler{}
	}
	return &Broker{
		policy:   policy,
		registry: registry,
		env:      env,
		denials:  denials,
		cache:    make(map[string]starlark.Value),
		raw:      make(map[string]*starlarkstruct.Module),
	}
}

// Resolve returns the module value for name or a *CapabilityError.
//
// A direct policy entry is loaded and wrapped in its facade if one is
// declared. Otherwise a parent.child name is served by walking to child on
// the parent's raw module, provided the submodule allowlist names it.
// Anything else is rejected.
func (b *Broker) Resolve(name string) (starlark.Value, error) {
	if v, ok := b.cache[name]; ok {
		return v, nil
	}

	if b.policy.IsAllowed(name) {
		raw, err := b.loadRaw(name)
		if err != nil {
			return nil, err
		}
		var v starlark.Value = raw
		if f := b.policy.FacadeFor(name); f != nil {
			v = f.Wrap(raw)
		}
		b.cache[name] = v
		return v, nil
	}

	if parent, child, ok := strings.Cut(name, "."); ok && !strings.Contains(child, ".") && b.policy.SubmoduleAllowed(parent, child) {
		raw, err := b.loadRaw(parent)
		if err != nil {
			return nil, err
		}
		v, err := raw.Attr(child)
		if err == nil && v != nil {
			b.cache[name] = v
			return v, nil
		}
	}

	return nil, b.reject(name)
}

func (b *Broker) reject(name string) error {
	err := &CapabilityError{Module: name}
	b.denials.OnDenial(DenialModule, name, err.Error())
	return err
}

func (b *Broker) loadRaw(name string) (*starlarkstruct.Module, error) {
	if m, ok := b.raw[name]; ok {
		return m, nil
	}
	m, err := b.registry.Load(name, b.env)
	if err != nil {
		return nil, fmt.Errorf("resolving module %s: %w", name, err)
	}
	b.raw[name] = m
	return m, nil
}

// Import follows Python's __import__ contract on top of Resolve.
//
// Without a fromlist, a dotted name yields a view of its root holding only
// the resolved path, which is what "import a.b" binds to "a". A fromlist of
// ["*"] yields the leaf itself. Any other fromlist yields the leaf after
// checking each requested name; a parent that is only known for its
// submodules yields a view of the requested children.
func (b *Broker) Import(name string, fromlist []string) (starlark.Value, error) {
	if name == "" {
		return nil, fmt.Errorf("empty module name")
	}
	if len(fromlist) == 0 {
		leaf, err := b.Resolve(name)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(name, ".")
		if len(parts) == 1 {
			return leaf, nil
		}
		v := leaf
		for i := len(parts) - 1; i > 0; i-- {
			v = &starlarkstruct.Module{
				Name:    strings.Join(parts[:i], "."),
				Members: starlark.StringDict{parts[i]: v},
			}
		}
		return v, nil
	}
	if len(fromlist) == 1 && fromlist[0] == "*" {
		return b.Resolve(name)
	}

	if !b.policy.IsAllowed(name) && b.policy.IsParent(name) {
		members := make(starlark.StringDict, len(fromlist))
		for _, attr := range fromlist {
			v, err := b.Resolve(name + "." + attr)
			if err != nil {
				return nil, err
			}
			members[attr] = v
		}
		return &starlarkstruct.Module{Name: name, Members: members}, nil
	}

	leaf, err := b.Resolve(name)
	if err != nil {
		return nil, err
	}
	attrs, ok := leaf.(starlark.HasAttrs)
	if !ok {
		return nil, fmt.Errorf("cannot import from '%s'", name)
	}
	for _, attr := range fromlist {
		if v, err := attrs.Attr(attr); err != nil || v == nil {
			return nil, fmt.Errorf("cannot import name '%s' from '%s'", attr, name)
		}
	}
	return leaf, nil
}

// ImportHook returns the __import__ builtin bound to b.
func (b *Broker) ImportHook() *starlark.Builtin {
	return starlark.NewBuiltin("__import__", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			name                      string
			globals, locals, fromlist starlark.Value = starlark.None, starlark.None, starlark.None
			level                     int
		)
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"name", &name, "globals?", &globals, "locals?", &locals, "fromlist?", &fromlist, "level?", &level); err != nil {
			return nil, err
		}
		if level != 0 {
			return nil, fmt.Errorf("relative imports are not supported")
		}
		var from []string
		if fromlist != starlark.None {
			iterable, ok := fromlist.(starlark.Iterable)
			if !ok {
				return nil, fmt.Errorf("%s: fromlist must be a sequence, not %s", fn.Name(), fromlist.Type())
			}
			it := iterable.Iterate()
			defer it.Done()
			var x starlark.Value
			for it.Next(&x) {
				s, ok := starlark.AsString(x)
				if !ok {
					return nil, fmt.Errorf("%s: fromlist items must be str, not %s", fn.Name(), x.Type())
				}
				from = append(from, s)
			}
		}
		return b.Import(name, from)
	})
}
