package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Resolution records which path argument resolution took.
type Resolution int

const (
	// ResolvedEmpty is a zero-argument call.
	ResolvedEmpty Resolution = iota
	// ResolvedPositional used the positional list as given.
	ResolvedPositional
	// ResolvedKeyword ordered keyword arguments by the declared schema.
	ResolvedKeyword
	// ResolvedSingleObject passed the keyword map as one argument
	// because the capability declares no schema.
	ResolvedSingleObject
)

// String returns the resolution name for logs.
func (r Resolution) String() string {
	switch r {
	case ResolvedEmpty:
		return "empty"
	case ResolvedPositional:
		return "positional"
	case ResolvedKeyword:
		return "keyword"
	case ResolvedSingleObject:
		return "single_object"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// Resolve converts a call's positional and keyword arguments into the
// positional list the handler receives.
//
// Exactly one path applies: a non-empty positional list, a non-empty
// keyword map, or neither. Supplying both is rejected. When the
// descriptor declares parameters, missing optional parameters take
// their defaults and missing required ones are an error. Keyword maps
// sent to a capability without a schema are passed through as a single
// map argument; callers should log [ResolvedSingleObject].
func Resolve(d *Descriptor, args []any, kwargs map[string]any) ([]any, Resolution, error) {
	switch {
	case len(args) > 0 && len(kwargs) > 0:
		return nil, 0, fmt.Errorf("%s: %w", d.Name, ErrMixedArguments)

	case len(kwargs) > 0:
		if !d.HasSchema() {
			return []any{kwargs}, ResolvedSingleObject, nil
		}
		out, err := resolveKeyword(d, kwargs)
		return out, ResolvedKeyword, err

	case len(args) > 0:
		if !d.HasSchema() {
			return append([]any(nil), args...), ResolvedPositional, nil
		}
		if len(args) > len(d.Params) {
			return nil, 0, fmt.Errorf("%s takes %d arguments, got %d: %w",
				d.Name, len(d.Params), len(args), ErrTooManyArguments)
		}
		out := append(make([]any, 0, len(d.Params)), args...)
		out, err := fillDefaults(d, out)
		return out, ResolvedPositional, err

	default:
		if !d.HasSchema() {
			return nil, ResolvedEmpty, nil
		}
		out, err := fillDefaults(d, make([]any, 0, len(d.Params)))
		return out, ResolvedEmpty, err
	}
}

func resolveKeyword(d *Descriptor, kwargs map[string]any) ([]any, error) {
	known := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		known[p.Name] = true
	}
	var unknown []string
	for k := range kwargs {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%s: %s: %w", d.Name, strings.Join(unknown, ", "), ErrUnknownParameter)
	}

	out := make([]any, 0, len(d.Params))
	for _, p := range d.Params {
		v, ok := kwargs[p.Name]
		switch {
		case ok:
			out = append(out, v)
		case p.Optional:
			out = append(out, p.Default)
		default:
			return nil, fmt.Errorf("%s: %s: %w", d.Name, p.Name, ErrMissingParameter)
		}
	}
	return out, nil
}

// fillDefaults appends defaults for parameters beyond len(out).
func fillDefaults(d *Descriptor, out []any) ([]any, error) {
	for _, p := range d.Params[len(out):] {
		if !p.Optional {
			return nil, fmt.Errorf("%s: %s: %w", d.Name, p.Name, ErrMissingParameter)
		}
		out = append(out, p.Default)
	}
	return out, nil
}
