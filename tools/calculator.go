package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

var calculatorLogger = logrus.WithField("tool", "calculator")

// Number is a float64 that encodes non-finite values as the strings
// "Infinity", "-Infinity" and "NaN" so results always serialize.
type Number float64

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(f)
}

// CalculatorResult is the value produced by the calculator tool.
type CalculatorResult struct {
	Result Number `json:"result"`
}

// CalculatorTool applies one binary operator to two operands using IEEE 754
// floating point semantics: division by zero yields Infinity or NaN, not an error.
type CalculatorTool struct{}

func NewCalculatorTool() *CalculatorTool {
	calculatorLogger.Debug("Initializing calculator tool")
	return &CalculatorTool{}
}

func (c *CalculatorTool) Name() string {
	return "calculator"
}

func (c *CalculatorTool) Description() string {
	return "Perform basic arithmetic. Arguments: a (number), b (number), op (one of +, -, *, /)."
}

func (c *CalculatorTool) Schema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "a": {"type": "number", "description": "First operand"},
    "b": {"type": "number", "description": "Second operand"},
    "op": {"type": "string", "enum": ["+", "-", "*", "/"], "description": "Operator"}
  },
  "required": ["a", "b", "op"]
}`)
}

func (c *CalculatorTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	a, err := numberArg(args, "a")
	if err != nil {
		return nil, err
	}
	b, err := numberArg(args, "b")
	if err != nil {
		return nil, err
	}
	op, _ := stringArg(args, "op")

	var result float64
	switch op {
	case "+":
		result = a + b
	case "-":
		result = a - b
	case "*":
		result = a * b
	case "/":
		result = a / b
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}

	calculatorLogger.WithFields(logrus.Fields{
		"a":      a,
		"b":      b,
		"op":     op,
		"result": result,
	}).Info("Calculator evaluated")

	return CalculatorResult{Result: Number(result)}, nil
}

var _ Tool = (*CalculatorTool)(nil)
