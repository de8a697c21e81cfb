package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTool struct {
	name  string
	calls int
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "records calls" }
func (r *recordingTool) Schema() []byte {
	return []byte(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)
}
func (r *recordingTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	r.calls++
	return args["n"], nil
}

func TestRegistryRejectsDuplicateAndEmptyNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&recordingTool{name: "rec"}))
	assert.Error(t, reg.Register(&recordingTool{name: "rec"}))
	assert.Error(t, reg.Register(&recordingTool{name: ""}))
	assert.Error(t, reg.Register(nil))
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&badSchemaTool{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema")
}

type badSchemaTool struct{ recordingTool }

func (b *badSchemaTool) Name() string   { return "bad" }
func (b *badSchemaTool) Schema() []byte { return []byte(`{"type": 12}`) }

func TestRegistryUnknownToolInvokesNothing(t *testing.T) {
	reg := NewRegistry()
	rec := &recordingTool{name: "rec"}
	require.NoError(t, reg.Register(rec))

	_, err := reg.Execute(context.Background(), "missing", map[string]any{"n": 1.0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTool))
	assert.Equal(t, 0, rec.calls)
}

func TestRegistryValidatesBeforeInvoke(t *testing.T) {
	reg := NewRegistry()
	rec := &recordingTool{name: "rec"}
	require.NoError(t, reg.Register(rec))

	_, err := reg.Execute(context.Background(), "rec", map[string]any{"n": "one"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArguments))
	assert.Equal(t, 0, rec.calls)

	_, err = reg.Execute(context.Background(), "rec", nil)
	require.ErrorIs(t, err, ErrInvalidArguments)

	out, err := reg.Execute(context.Background(), "rec", map[string]any{"n": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)
	assert.Equal(t, 1, rec.calls)
}

func TestRegistryDefinitionsSortedByName(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(NewDateTimeTool(), NewCalculatorTool(), NewExpressionTool())

	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "calculator", defs[0].Name)
	assert.Equal(t, "datetime", defs[1].Name)
	assert.Equal(t, "expression", defs[2].Name)
	for _, def := range defs {
		assert.True(t, json.Valid(def.Parameters), def.Name)
		assert.NotEmpty(t, def.Description)
	}
}
