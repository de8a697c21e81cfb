/*
Package tools provides the client-side capabilities the agent backend can invoke.

Each tool declares a JSON schema for its arguments and is invoked with an already
decoded argument map. Tools are collected in a Registry, which validates arguments
against the declared schema before any implementation runs and produces the tool
definitions announced to the backend at initialization.

Available tools:
- calculator: binary arithmetic on two operands
- expression: free-form arithmetic expressions
- file: read, write, list and existence checks under the working directory
- grep: regular expression search over files, honoring .gitignore
- fetch: HTTP GET with HTML to text conversion and a response cache
- datetime: current date and time in a requested zone
- sysinfo: host facts such as OS, architecture and CPU count
*/
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a single capability the backend can call by name.
type Tool interface {
	// Name is the identifier the backend uses in tool execution requests.
	Name() string
	// Description is announced to the backend alongside the schema.
	Description() string
	// Schema is the JSON schema of the argument object.
	Schema() []byte
	// Invoke runs the tool. The returned value must be JSON encodable.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Definition is the declaration of a tool sent to the backend.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// stringArg extracts a string argument, reporting whether it was present.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// numberArg extracts a numeric argument. Schema validation guarantees the type
// for registry calls; direct callers may still pass Go integer types.
func numberArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("argument %q is not a number: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("argument %q is not a number", key)
	}
}
