package checkpoint

import (
	"reflect"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/config"
)

// Metadata keys written by execution engines.
const (
	MetaSource  = "source"
	MetaStep    = "step"
	MetaWrites  = "writes"
	MetaParents = "parents"
)

// Sources of a checkpoint.
const (
	SourceInput  = "input"
	SourceLoop   = "loop"
	SourceUpdate = "update"
	SourceFork   = "fork"
)

// Metadata annotates a checkpoint. It is stored opaquely; the accessors
// below read the well-known keys.
type Metadata map[string]any

// Source returns why the checkpoint was taken, or "" if unset.
func (m Metadata) Source() string {
	return config.New(m).String(MetaSource, "")
}

// Step returns the step number. Input checkpoints use -1; a missing or
// non-integral value also yields -1.
func (m Metadata) Step() int {
	return config.New(m).Int(MetaStep, -1)
}

// Parents returns the namespace-to-checkpoint map of enclosing graphs.
func (m Metadata) Parents() map[string]string {
	raw := config.New(m).Sub(MetaParents)
	out := make(map[string]string, len(raw.Raw()))
	for ns := range raw.Raw() {
		if id := raw.ID(ns, ""); id != "" {
			out[ns] = id
		}
	}
	return out
}

// Matches reports whether m holds every key of filter with an equal value.
// Numbers are compared after normalising to float64, at any depth, because
// decoded metadata loses the original integer types. Only top-level keys
// are matched as a subset; nested maps and slices must be equal in full.
func (m Metadata) Matches(filter Metadata) bool {
	for k, want := range filter {
		got, ok := m[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}

	if ma, ok := asMap(a); ok {
		mb, ok := asMap(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	}

	if sa, ok := a.([]any); ok {
		sb, ok := b.([]any)
		if !ok || len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !valuesEqual(sa[i], sb[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Metadata:
		return m, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
