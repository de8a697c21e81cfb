package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownTool is returned when no tool is registered under the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArguments is returned when arguments fail schema validation.
var ErrInvalidArguments = errors.New("invalid tool arguments")

var registryLogger = logrus.WithField("component", "tool_registry")

// Registry maps tool names to implementations and their compiled schemas.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator *Validator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: NewValidator(),
	}
}

// Register adds a tool. The name must be unused and the schema must compile.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if err := r.validator.Compile(name, tool.Schema()); err != nil {
		return fmt.Errorf("tool %s has an invalid schema: %w", name, err)
	}

	r.tools[name] = tool
	registryLogger.WithField("tool", name).Debug("Tool registered")
	return nil
}

// MustRegister registers every tool and panics on the first failure.
// Intended for wiring fixed tool sets at startup.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool, nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Definitions returns the backend-facing declarations of all tools, sorted by name.
func (r *Registry) Definitions() []Definition {
	list := r.List()
	defs := make([]Definition, 0, len(list))
	for _, tool := range list {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  append([]byte(nil), tool.Schema()...),
		})
	}
	return defs
}

// Execute validates args against the tool's schema and invokes it.
// Unknown names fail with ErrUnknownTool before anything runs.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := r.validator.Validate(name, args); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return tool.Invoke(ctx, args)
}
