package tools

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculatorOperators(t *testing.T) {
	calc := NewCalculatorTool()
	cases := []struct {
		op   string
		want float64
	}{
		{"+", 6},
		{"-", 2},
		{"*", 8},
		{"/", 2},
	}
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			out, err := calc.Invoke(context.Background(), map[string]any{"a": 4.0, "b": 2.0, "op": tc.op})
			require.NoError(t, err)
			assert.Equal(t, CalculatorResult{Result: Number(tc.want)}, out)
		})
	}
}

func TestCalculatorAdditionEncodesAsPlainNumber(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(NewCalculatorTool())

	out, err := reg.Execute(context.Background(), "calculator", map[string]any{"a": 4.0, "b": 2.0, "op": "+"})
	require.NoError(t, err)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":6}`, string(data))
}

func TestCalculatorDivisionByZeroFollowsFloatSemantics(t *testing.T) {
	calc := NewCalculatorTool()

	out, err := calc.Invoke(context.Background(), map[string]any{"a": 4.0, "b": 0.0, "op": "/"})
	require.NoError(t, err)
	res := out.(CalculatorResult)
	assert.True(t, math.IsInf(float64(res.Result), 1))
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"Infinity"}`, string(data))

	out, err = calc.Invoke(context.Background(), map[string]any{"a": -1, "b": 0, "op": "/"})
	require.NoError(t, err)
	data, _ = json.Marshal(out)
	assert.JSONEq(t, `{"result":"-Infinity"}`, string(data))

	out, err = calc.Invoke(context.Background(), map[string]any{"a": 0.0, "b": 0.0, "op": "/"})
	require.NoError(t, err)
	data, _ = json.Marshal(out)
	assert.JSONEq(t, `{"result":"NaN"}`, string(data))
}

func TestCalculatorRejectsBadArguments(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(NewCalculatorTool())

	_, err := reg.Execute(context.Background(), "calculator", map[string]any{"a": 1.0, "b": 2.0, "op": "%"})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = reg.Execute(context.Background(), "calculator", map[string]any{"a": "1", "b": 2.0, "op": "+"})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = NewCalculatorTool().Invoke(context.Background(), map[string]any{"a": 1.0, "b": 2.0, "op": "^"})
	assert.Error(t, err)
}

func TestExpressionTool(t *testing.T) {
	expr := NewExpressionTool()

	out, err := expr.Invoke(context.Background(), map[string]any{"expression": "(3 + 4) * 2"})
	require.NoError(t, err)
	assert.Equal(t, "14", out.(ExpressionResult).Result)

	_, err = expr.Invoke(context.Background(), map[string]any{"expression": "3 +"})
	assert.Error(t, err)

	_, err = expr.Invoke(context.Background(), map[string]any{"expression": "  "})
	assert.Error(t, err)
}
