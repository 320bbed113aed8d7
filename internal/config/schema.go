package config

import (
	"fmt"
	"sort"

	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// OptionSchema declares the parameters one sender method type accepts.
// Methods are checked against their schema when the PModes are loaded;
// a typo in a parameter name fails the load instead of the first
// delivery attempt.
type OptionSchema struct {
	Type     string
	Required []string
	Optional []string

	// AnyOf is satisfied when at least one of the named parameters is
	// present.
	AnyOf []string
}

// Check validates one configured method against the schema.
func (s OptionSchema) Check(m pmode.Method) error {
	seen := make(map[string]bool, len(m.Parameters))
	for _, p := range m.Parameters {
		if p.Name == "" {
			return fmt.Errorf("method %s: parameter with empty name", s.Type)
		}
		if !s.knows(p.Name) {
			return fmt.Errorf("method %s: unknown parameter %q (accepts %v)",
				s.Type, p.Name, s.accepted())
		}
		if seen[p.Name] {
			return fmt.Errorf("method %s: duplicate parameter %q", s.Type, p.Name)
		}
		seen[p.Name] = true
	}
	for _, name := range s.Required {
		if !seen[name] || m.Parameter(name) == "" {
			return fmt.Errorf("method %s: required parameter %q is missing", s.Type, name)
		}
	}
	if len(s.AnyOf) > 0 {
		ok := false
		for _, name := range s.AnyOf {
			if m.Parameter(name) != "" {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("method %s: one of %v is required", s.Type, s.AnyOf)
		}
	}
	return nil
}

func (s OptionSchema) knows(name string) bool {
	for _, n := range s.Required {
		if n == name {
			return true
		}
	}
	for _, n := range s.Optional {
		if n == name {
			return true
		}
	}
	for _, n := range s.AnyOf {
		if n == name {
			return true
		}
	}
	return false
}

func (s OptionSchema) accepted() []string {
	var names []string
	names = append(names, s.Required...)
	names = append(names, s.Optional...)
	names = append(names, s.AnyOf...)
	sort.Strings(names)
	return names
}

// methodSchemas lists the option schema of every built-in sender
// strategy.
var methodSchemas = map[string]OptionSchema{
	"FILE": {Type: "FILE", Required: []string{"location"}},
	"HTTP": {Type: "HTTP", Required: []string{"url"}},
	"AMQP": {Type: "AMQP", Required: []string{"url"}, AnyOf: []string{"exchange", "routingKey"}},
	"NATS": {Type: "NATS", Required: []string{"url", "subject"}},
}

// CheckMethod validates a configured method against its schema. Unknown
// method types are left to the sender registry, which knows about
// strategies registered at runtime.
func CheckMethod(m pmode.Method) error {
	schema, ok := methodSchemas[m.Type]
	if !ok {
		return nil
	}
	return schema.Check(m)
}
