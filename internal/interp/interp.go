// Package interp rewrites a job's JSON arguments, replacing placeholder
// strings ("$var:path", "$res:path", "$name") with resolved values before
// the job script is spawned. The resolution itself — looking up a secret
// variable or a resource by path, or a flow-context reserved variable — is
// delegated to caller-supplied collaborators; this package owns only the
// recursive structural rewrite and its fast path.
package interp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var reResVar = regexp.MustCompile(`\$(?:var|res):`)

// NotFoundError is returned when a referenced variable or resource path
// does not exist.
type NotFoundError struct{ Msg string }

func (e *NotFoundError) Error() string { return e.Msg }

// InternalError is returned for a malformed argument — invalid JSON, an
// invalid resource path shape — as opposed to a missing reference.
type InternalError struct{ Msg string }

func (e *InternalError) Error() string { return e.Msg }

// SecretClient looks up a named variable's value.
type SecretClient interface {
	GetVariableValue(ctx context.Context, path string) (string, error)
}

// ResourceClient fetches a resource by path, with its own nested
// placeholders (if any) already interpolated.
type ResourceClient interface {
	GetResourceValueInterpolated(ctx context.Context, path, jobID string) (json.RawMessage, error)
}

// ReservedVariables resolves a bare "$name" placeholder — job id,
// workspace, flow path, and the like — against run context. name is given
// without its leading "$".
type ReservedVariables interface {
	Lookup(ctx context.Context, name string) (string, bool)
}

// ReservedVariablesFunc adapts a function to ReservedVariables.
type ReservedVariablesFunc func(ctx context.Context, name string) (string, bool)

func (f ReservedVariablesFunc) Lookup(ctx context.Context, name string) (string, bool) {
	return f(ctx, name)
}

// Resolver bundles the out-of-scope collaborators argument interpolation
// dispatches to.
type Resolver struct {
	Secrets   SecretClient
	Resources ResourceClient
	Reserved  ReservedVariables
	JobID     string
}

// Transform rewrites the string values in args that begin with "$var:",
// "$res:", or a bare "$", recursing into nested JSON objects. Only
// top-level values whose raw JSON contains a "$var:" or "$res:" placeholder
// are walked; every other value is copied unchanged, so a bare "$name" is
// resolved only when it sits inside such a value. The bool return is false
// when no argument contains a "$var:"/"$res:" placeholder, in which case
// args is returned as is, letting a caller skip the rewrite (and the
// round-trip through these collaborators).
func (r *Resolver) Transform(ctx context.Context, args map[string]json.RawMessage) (map[string]json.RawMessage, bool, error) {
	hasMatch := false
	for _, v := range args {
		if reResVar.Match(v) {
			hasMatch = true
			break
		}
	}
	if !hasMatch {
		return args, false, nil
	}

	out := make(map[string]json.RawMessage, len(args))
	for k, v := range args {
		if !reResVar.Match(v) {
			out[k] = v
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, false, &InternalError{Msg: fmt.Sprintf("error while parsing inner arg: %v", err)}
		}
		transformed, err := r.transformValue(ctx, k, val)
		if err != nil {
			return nil, false, err
		}
		raw, err := json.Marshal(transformed)
		if err != nil {
			return nil, false, &InternalError{Msg: fmt.Sprintf("error while parsing inner arg: %v", err)}
		}
		out[k] = raw
	}
	return out, true, nil
}

func (r *Resolver) transformValue(ctx context.Context, name string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		switch {
		case strings.HasPrefix(val, "$var:"):
			path := strings.TrimPrefix(val, "$var:")
			value, err := r.Secrets.GetVariableValue(ctx, path)
			if err != nil {
				return nil, &NotFoundError{Msg: fmt.Sprintf("variable %s not found for `%s`: %v", path, name, err)}
			}
			return value, nil

		case strings.HasPrefix(val, "$res:"):
			path := strings.TrimPrefix(val, "$res:")
			if strings.Count(path, "/") < 1 {
				return nil, &InternalError{Msg: fmt.Sprintf("argument `%s` is an invalid resource path: %s", name, path)}
			}
			raw, err := r.Resources.GetResourceValueInterpolated(ctx, path, r.JobID)
			if err != nil {
				return nil, &NotFoundError{Msg: fmt.Sprintf("resource %s not found for `%s`: %v", path, name, err)}
			}
			var out any
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, &InternalError{Msg: fmt.Sprintf("error while parsing resource value: %v", err)}
			}
			return out, nil

		case strings.HasPrefix(val, "$"):
			bare := strings.TrimPrefix(val, "$")
			if value, ok := r.Reserved.Lookup(ctx, bare); ok {
				return value, nil
			}
			return val, nil // unknown reserved name: left as the literal "$name"

		default:
			return val, nil
		}

	case map[string]any:
		out := make(map[string]any, len(val))
		for k2, v2 := range val {
			transformed, err := r.transformValue(ctx, k2, v2)
			if err != nil {
				return nil, err
			}
			out[k2] = transformed
		}
		return out, nil

	default:
		return val, nil
	}
}
