package flow

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// UnconfiguredConditionResult is the outcome of a condition whose operator is unknown or
// whose configuration is incomplete. True sends the session down the "true" branch so a
// half-authored flow keeps moving instead of stalling.
const UnconfiguredConditionResult = true

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
	// OpExpression evaluates Value as a boolean expr-lang expression over the context.
	OpExpression = "expression"
)

// EvaluateCondition resolves cfg.Variable from vars and compares it with cfg.Value.
func EvaluateCondition(cfg models.ConditionProps, vars map[string]any) bool {
	op := strings.ToLower(strings.TrimSpace(cfg.Operator))
	if op == OpExpression {
		return evaluateExpression(cfg.Value, vars)
	}

	path := variablePath(cfg.Variable)
	if path == "" {
		slog.Debug("EvaluateCondition: no variable configured, using policy result", "operator", op)
		return UnconfiguredConditionResult
	}
	actual, found := Lookup(vars, path)
	present := found && actual != nil

	switch op {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	case OpEquals:
		return valuesEqual(actual, cfg.Value)
	case OpNotEquals:
		return !valuesEqual(actual, cfg.Value)
	case OpContains:
		return present && strings.Contains(stringify(actual), stringify(cfg.Value))
	case OpGreaterThan, OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(cfg.Value)
		if !okA || !okB {
			return false
		}
		if op == OpGreaterThan {
			return a > b
		}
		return a < b
	default:
		slog.Warn("EvaluateCondition: unknown operator, using policy result", "operator", cfg.Operator, "variable", path)
		return UnconfiguredConditionResult
	}
}

// variablePath accepts both "score" and "{{score}}".
func variablePath(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "{{")
	v = strings.TrimSuffix(v, "}}")
	return strings.TrimSpace(v)
}

// valuesEqual compares numerically when both sides are numbers and as strings otherwise.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return stringify(a) == stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func evaluateExpression(value any, vars map[string]any) bool {
	src, _ := value.(string)
	if strings.TrimSpace(src) == "" {
		return UnconfiguredConditionResult
	}
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	program, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		slog.Warn("EvaluateCondition: expression does not compile, using policy result", "expression", src, "error", err)
		return UnconfiguredConditionResult
	}
	out, err := expr.Run(program, env)
	if err != nil {
		slog.Warn("EvaluateCondition: expression failed", "expression", src, "error", err)
		return false
	}
	result, _ := out.(bool)
	return result
}
