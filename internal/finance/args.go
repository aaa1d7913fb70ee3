package finance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/prism/internal/capability"
)

// checkSubject enforces that argument 0 (user_id) names the cycle's
// subject. Capabilities never act across tenants.
func checkSubject(inv capability.Invocation) error {
	user, err := argString(inv, 0, "user_id")
	if err != nil {
		return err
	}
	if user != inv.Subject {
		return fmt.Errorf("%w: got %q", ErrSubjectMismatch, user)
	}
	return nil
}

func argString(inv capability.Invocation, i int, name string) (string, error) {
	s, ok := inv.Arg(i).(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", name, inv.Arg(i))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return s, nil
}

// optString returns "" for a nil argument.
func optString(inv capability.Invocation, i int, name string) (string, error) {
	if inv.Arg(i) == nil {
		return "", nil
	}
	s, ok := inv.Arg(i).(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", name, inv.Arg(i))
	}
	return strings.TrimSpace(s), nil
}

func argFloat(inv capability.Invocation, i int, name string) (float64, error) {
	switch v := inv.Arg(i).(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", name, inv.Arg(i))
	}
}

// argMap returns an empty map for a nil argument.
func argMap(inv capability.Invocation, i int, name string) (map[string]any, error) {
	switch v := inv.Arg(i).(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%s must be an object, got %T", name, inv.Arg(i))
	}
}

// resultString reads a string field from a recorded advisory result.
func resultString(result any, key string) (string, error) {
	m, ok := result.(map[string]any)
	if !ok {
		return "", fmt.Errorf("recorded result is %T, not an object", result)
	}
	s, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("recorded result has no %s", key)
	}
	return s, nil
}
