// Package command implements the declarative command registry (spec §4.7)
// from which the RPC, HTTP, and CLI surfaces are mechanically derived.
package command

import (
	"context"
	"fmt"
	"strconv"
)

// ParamType is one of the JSON-Schema-ish primitive types a parameter may
// declare.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
)

// Parameter describes one command argument.
type Parameter struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     any
	Choices     []string
	Aliases     []string
	Positional  bool
}

// Args is the untyped argument bag surface adapters build and pass to a
// handler; handlers narrow it into typed inputs at the boundary (spec §9
// "dynamic parameter bags").
type Args map[string]any

func (a Args) String(name string) (string, bool) {
	v, ok := a[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (a Args) StringOr(name, def string) string {
	if s, ok := a.String(name); ok {
		return s
	}
	return def
}

func (a Args) Number(name string) (float64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func (a Args) IntOr(name string, def int) int {
	if f, ok := a.Number(name); ok {
		return int(f)
	}
	return def
}

func (a Args) Bool(name string) (bool, bool) {
	v, ok := a[name]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func (a Args) BoolOr(name string, def bool) bool {
	if b, ok := a.Bool(name); ok {
		return b
	}
	return def
}

func (a Args) StringSlice(name string) []string {
	v, ok := a[name]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (a Args) StringMap(name string) map[string]string {
	v, ok := a[name]
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = fmt.Sprintf("%v", val)
		}
		return out
	}
	return nil
}

// Result is a command handler's uniform output envelope.
type Result struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Context carries the caller identity and request-scoped values a handler
// needs; Services is supplied by the caller composition root.
type Context struct {
	Ctx       context.Context
	AgentName string
	ProjectID string
}

// Handler executes a command given resolved arguments.
type Handler func(c *Context, args Args) (*Result, error)

// FormatHuman renders a Result for the CLI's human-readable --format mode.
type FormatHuman func(result *Result, args Args) string

// Command is one declarative entry in the registry.
type Command struct {
	Name           string
	RPCName        string
	CLIName        string
	Description    string
	Parameters     []Parameter
	ReturnDataType string
	Handler        Handler
	FormatHuman    FormatHuman
}

// Validate checks args against the command's declared parameters: required
// presence and choice-membership. Defaults are applied in place.
func (c *Command) Validate(args Args) error {
	for _, p := range c.Parameters {
		if _, present := args[p.Name]; !present {
			for _, alias := range p.Aliases {
				if v, ok := args[alias]; ok {
					args[p.Name] = v
					present = true
					break
				}
			}
			if !present && p.Default != nil {
				args[p.Name] = p.Default
				present = true
			}
			if !present && p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
		}
		if len(p.Choices) > 0 {
			if v, ok := args.String(p.Name); ok {
				valid := false
				for _, choice := range p.Choices {
					if v == choice {
						valid = true
						break
					}
				}
				if !valid {
					return fmt.Errorf("parameter %q must be one of %v", p.Name, p.Choices)
				}
			}
		}
	}
	return nil
}

// Registry is the single source of truth commands are registered into;
// RPC tools, HTTP routes, and CLI subcommands are all generated from it.
type Registry struct {
	byName    map[string]*Command
	byRPCName map[string]*Command
	byCLIName map[string]*Command
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Command),
		byRPCName: make(map[string]*Command),
		byCLIName: make(map[string]*Command),
	}
}

func (r *Registry) Register(cmd *Command) {
	r.byName[cmd.Name] = cmd
	r.byRPCName[cmd.RPCName] = cmd
	r.byCLIName[cmd.CLIName] = cmd
	r.order = append(r.order, cmd.Name)
}

func (r *Registry) All() []*Command {
	out := make([]*Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

func (r *Registry) ByName(name string) (*Command, bool)    { c, ok := r.byName[name]; return c, ok }
func (r *Registry) ByRPCName(name string) (*Command, bool)  { c, ok := r.byRPCName[name]; return c, ok }
func (r *Registry) ByCLIName(name string) (*Command, bool)  { c, ok := r.byCLIName[name]; return c, ok }
