package sandbox

import (
	"slices"
	"strings"
)

// ModuleRule is one entry of the capability policy.
type ModuleRule struct {
	Name    string
	Allowed bool
	// Facade, when set, replaces the raw module with a narrowed view.
	Facade *FacadeSpec
}

// Policy is the static capability policy consulted by the module broker.
// A module absent from the policy is never importable. A Policy is not
// modified after construction; Without returns a copy.
type Policy struct {
	rules      []ModuleRule
	byName     map[string]int
	submodules map[string][]string
}

// NewPolicy builds a policy from explicit rules and a submodule allowlist
// mapping a parent module to the child attributes that may be reached
// through it.
func NewPolicy(rules []ModuleRule, submodules map[string][]string) *Policy {
	p := &Policy{
		rules:      slices.Clone(rules),
		byName:     make(map[string]int, len(rules)),
		submodules: make(map[string][]string, len(submodules)),
	}
	for i, r := range p.rules {
		p.byName[r.Name] = i
	}
	for parent, children := range submodules {
		p.submodules[parent] = slices.Clone(children)
	}
	return p
}

// DefaultPolicy returns the built-in capability policy.
func DefaultPolicy() *Policy {
	allow := func(names ...string) []ModuleRule {
		rules := make([]ModuleRule, len(names))
		for i, n := range names {
			rules[i] = ModuleRule{Name: n, Allowed: true}
		}
		return rules
	}
	rules := allow(
		"math", "json", "time", "re", "random", "string", "base64", "hashlib",
		"uuid", "unicodedata", "html", "statistics", "gzip", "os.path",
	)
	rules = append(rules,
		ModuleRule{Name: "sys", Allowed: true, Facade: sysFacade},
		ModuleRule{Name: "zipfile", Allowed: true, Facade: zipfileFacade},
		ModuleRule{Name: "tarfile", Allowed: true, Facade: tarfileFacade},
		ModuleRule{Name: "getpass", Allowed: true, Facade: getpassFacade},
		ModuleRule{Name: "logging", Allowed: true, Facade: loggingFacade},
	)
	return NewPolicy(rules, map[string][]string{
		"os":     {"path"},
		"urllib": {"parse"},
	})
}

// IsAllowed reports whether name is a direct, allowed entry.
func (p *Policy) IsAllowed(name string) bool {
	i, ok := p.byName[name]
	return ok && p.rules[i].Allowed
}

// SubmoduleAllowed reports whether attr may be reached through parent.
func (p *Policy) SubmoduleAllowed(parent, attr string) bool {
	return slices.Contains(p.submodules[parent], attr)
}

// IsParent reports whether name is known only as a container of permitted
// submodules.
func (p *Policy) IsParent(name string) bool {
	_, ok := p.submodules[name]
	return ok
}

// FacadeFor returns the facade declared for name, or nil.
func (p *Policy) FacadeFor(name string) *FacadeSpec {
	if i, ok := p.byName[name]; ok {
		return p.rules[i].Facade
	}
	return nil
}

// TopLevel returns the allowed undotted module names in policy order.
func (p *Policy) TopLevel() []string {
	var names []string
	for _, r := range p.rules {
		if r.Allowed && !strings.Contains(r.Name, ".") {
			names = append(names, r.Name)
		}
	}
	return names
}

// Allowed returns every name the policy grants, including parent.child
// forms, sorted.
func (p *Policy) Allowed() []string {
	var names []string
	for _, r := range p.rules {
		if r.Allowed {
			names = append(names, r.Name)
		}
	}
	for parent, children := range p.submodules {
		for _, c := range children {
			names = append(names, parent+"."+c)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Without returns a copy of p with the named modules revoked. A dotted
// name revokes that submodule route as well as any direct entry.
func (p *Policy) Without(names ...string) *Policy {
	if len(names) == 0 {
		return p
	}
	denied := make(map[string]bool, len(names))
	for _, n := range names {
		denied[n] = true
	}
	var rules []ModuleRule
	for _, r := range p.rules {
		if !denied[r.Name] {
			rules = append(rules, r)
		}
	}
	subs := make(map[string][]string, len(p.submodules))
	for parent, children := range p.submodules {
		if denied[parent] {
			continue
		}
		var kept []string
		for _, c := range children {
			if !denied[parent+"."+c] {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			subs[parent] = kept
		}
	}
	return NewPolicy(rules, subs)
}
