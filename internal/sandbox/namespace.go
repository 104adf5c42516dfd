package sandbox

import (
	"fmt"

	"github.com/jkaninda/galaxy/internal/sandbox/modules"
	"go.starlark.net/starlark"
)

// Namespace is the predeclared environment of one execution together with
// the broker that serves its imports.
type Namespace struct {
	Predeclared starlark.StringDict
	Broker      *Broker
}

// NamespaceBuilder produces fresh namespaces. It holds no per-execution
// state and is safe for concurrent use.
type NamespaceBuilder struct {
	Policy   *Policy
	Registry *modules.Registry
	Env      *modules.Env
	Denials  DenialHandler
}

// Build creates the builtins, binds __name__ to "__main__" and
// pre-resolves every allowed top-level module through a new Broker.
func (nb *NamespaceBuilder) Build() (*Namespace, error) {
	broker := NewBroker(nb.Policy, nb.Registry, nb.Env, nb.Denials)
	predeclared := Builtins(broker.ImportHook(), nb.Denials)
	predeclared["__name__"] = starlark.String("__main__")
	for _, name := range nb.Policy.TopLevel() {
		v, err := broker.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("preloading module %s: %w", name, err)
		}
		predeclared[name] = v
	}
	return &Namespace{Predeclared: predeclared, Broker: broker}, nil
}
