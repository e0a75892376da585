package ir

import "strings"

// Var is a single variable binding.
type Var struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Vars is an ordered set of variable bindings.
// Names are case-insensitive; the first spelling seen is kept.
type Vars []Var

// Get returns the value bound to name.
func (v Vars) Get(name string) (string, bool) {
	for _, b := range v {
		if strings.EqualFold(b.Name, name) {
			return b.Value, true
		}
	}
	return "", false
}

// With returns a copy of v with name bound to value.
// An existing binding keeps its position.
func (v Vars) With(name, value string) Vars {
	out := v.Clone()
	for i := range out {
		if strings.EqualFold(out[i].Name, name) {
			out[i].Value = value
			return out
		}
	}
	return append(out, Var{Name: name, Value: value})
}

// Merge returns v overlaid with other. Later layers win.
func (v Vars) Merge(other Vars) Vars {
	out := v.Clone()
	for _, b := range other {
		out = out.With(b.Name, b.Value)
	}
	return out
}

// Clone returns a copy that shares no backing array with v.
func (v Vars) Clone() Vars {
	if v == nil {
		return nil
	}
	out := make(Vars, len(v))
	copy(out, v)
	return out
}

// Map returns the bindings as a plain map.
func (v Vars) Map() map[string]string {
	m := make(map[string]string, len(v))
	for _, b := range v {
		m[b.Name] = b.Value
	}
	return m
}

// EnvName maps a variable name to the environment variable a step sees:
// upper-cased with '.' and ' ' replaced by '_'.
func EnvName(name string) string {
	r := strings.NewReplacer(".", "_", " ", "_")
	return strings.ToUpper(r.Replace(name))
}
