package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/maestroflow/maestro/core"
)

// CalculatorAgent is the sample arithmetic leaf used by the end-to-end
// scenarios. It consumes {operation, operands} and returns
// {result, operation, operands}.
type CalculatorAgent struct {
	*core.BaseAgent
}

// NewCalculatorAgent creates the sample calculator.
func NewCalculatorAgent() *CalculatorAgent {
	return &CalculatorAgent{
		BaseAgent: core.NewBaseAgent("calculator",
			[]string{"math", "arithmetic", "calculation"},
			map[string]interface{}{"description": "performs basic arithmetic over numeric operands"}),
	}
}

// Call performs the requested arithmetic.
func (a *CalculatorAgent) Call(ctx context.Context, input core.Request) *core.AgentResponse {
	start := time.Now()
	args := core.NormalizeInput(input)

	operation := args.GetString("operation")
	if operation == "" {
		return a.fail(fmt.Errorf("missing required parameter %q: %w", "operation", core.ErrAgentExecution), start)
	}

	operands, err := toFloats(args["operands"])
	if err != nil {
		return a.fail(fmt.Errorf("invalid operands: %v: %w", err, core.ErrAgentExecution), start)
	}
	if len(operands) == 0 {
		return a.fail(fmt.Errorf("missing required parameter %q: %w", "operands", core.ErrAgentExecution), start)
	}

	result, err := compute(operation, operands)
	if err != nil {
		return a.fail(err, start)
	}

	elapsed := time.Since(start)
	a.RecordCall(elapsed, true)
	return core.NewSuccessResponse(a.Name(), map[string]interface{}{
		"result":    result,
		"operation": operation,
		"operands":  operands,
	}, elapsed)
}

func (a *CalculatorAgent) fail(err error, start time.Time) *core.AgentResponse {
	elapsed := time.Since(start)
	a.RecordCall(elapsed, false)
	return core.NewErrorResponse(a.Name(), err, elapsed)
}

func compute(operation string, operands []float64) (float64, error) {
	switch operation {
	case "add", "sum":
		total := 0.0
		for _, v := range operands {
			total += v
		}
		return total, nil
	case "subtract":
		result := operands[0]
		for _, v := range operands[1:] {
			result -= v
		}
		return result, nil
	case "multiply":
		result := 1.0
		for _, v := range operands {
			result *= v
		}
		return result, nil
	case "divide":
		result := operands[0]
		for _, v := range operands[1:] {
			if v == 0 {
				return 0, fmt.Errorf("division by zero: %w", core.ErrAgentExecution)
			}
			result /= v
		}
		return result, nil
	case "average", "mean":
		total := 0.0
		for _, v := range operands {
			total += v
		}
		return total / float64(len(operands)), nil
	default:
		return 0, fmt.Errorf("unsupported operation %q: %w", operation, core.ErrAgentExecution)
	}
}

// toFloats coerces the operand list out of the open request mapping.
func toFloats(raw interface{}) ([]float64, error) {
	if raw == nil {
		return nil, nil
	}
	switch list := raw.(type) {
	case []float64:
		return list, nil
	case []interface{}:
		out := make([]float64, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case float64:
				out = append(out, v)
			case int:
				out = append(out, float64(v))
			case int64:
				out = append(out, float64(v))
			default:
				return nil, fmt.Errorf("operand %v is not numeric", item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("operands must be a list, got %T", raw)
	}
}
