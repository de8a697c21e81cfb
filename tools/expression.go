package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/callbacks"
	lctools "github.com/tmc/langchaingo/tools"
)

var expressionLogger = logrus.WithField("tool", "expression")

// evaluatorErrorPrefix is how the langchaingo calculator reports evaluation
// failures: as output text with a nil error.
const evaluatorErrorPrefix = "error from evaluator:"

// expressionCallbacks logs evaluator start and end through the langchaingo
// callback hooks. Every other hook is a no-op.
type expressionCallbacks struct {
	callbacks.SimpleHandler
	logger *logrus.Entry
}

func (h expressionCallbacks) HandleToolStart(ctx context.Context, input string) {
	h.logger.WithField("input", input).Debug("Evaluating expression")
}

func (h expressionCallbacks) HandleToolEnd(ctx context.Context, output string) {
	h.logger.WithField("output", output).Debug("Expression evaluated")
}

// ExpressionTool evaluates a free-form arithmetic expression such as
// "(3 + 4) * 2" or "sqrt(16)".
type ExpressionTool struct {
	calc lctools.Calculator
}

func NewExpressionTool() *ExpressionTool {
	expressionLogger.Debug("Initializing expression tool")
	return &ExpressionTool{
		calc: lctools.Calculator{
			CallbacksHandler: expressionCallbacks{logger: expressionLogger},
		},
	}
}

func (e *ExpressionTool) Name() string {
	return "expression"
}

func (e *ExpressionTool) Description() string {
	return "Evaluate an arithmetic expression, e.g. '(3 + 4) * 2' or 'sqrt(16)'. Argument: expression (string)."
}

func (e *ExpressionTool) Schema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1, "description": "Expression to evaluate"}
  },
  "required": ["expression"]
}`)
}

// ExpressionResult is the value produced by the expression tool.
type ExpressionResult struct {
	Expression string `json:"expression"`
	Result     string `json:"result"`
}

func (e *ExpressionTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	expr, ok := stringArg(args, "expression")
	if !ok || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression is required")
	}

	out, err := e.calc.Call(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	if strings.HasPrefix(out, evaluatorErrorPrefix) {
		expressionLogger.WithField("expression", expr).Warn("Expression rejected by evaluator")
		return nil, fmt.Errorf("invalid expression: %s", strings.TrimSpace(strings.TrimPrefix(out, evaluatorErrorPrefix)))
	}

	return ExpressionResult{Expression: expr, Result: out}, nil
}

var _ Tool = (*ExpressionTool)(nil)
