package expression

import (
	"fmt"

	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

// EvaluationError wraps any failure to parse or evaluate a statement. The
// cause (ErrParse, ErrUnknownField, ErrType) is reachable through Unwrap.
type EvaluationError struct {
	Statement string
	Cause     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("unable to evaluate statement %q: %v", e.Statement, e.Cause)
}

func (e *EvaluationError) Unwrap() error { return e.Cause }

// Evaluator parses boolean predicates once and evaluates them against
// events. Parsed expressions are cached by statement text.
type Evaluator interface {
	Evaluate(statement string, context *event.Event) (bool, error)
}

type EvaluatorImpl struct {
	cache  *ristretto.Cache
	logger *zap.Logger
}

func NewEvaluatorImpl(logger *zap.Logger) (*EvaluatorImpl, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 12,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create expression cache: %w", err)
	}
	return &EvaluatorImpl{cache: cache, logger: logger}, nil
}

func (ev *EvaluatorImpl) parsedStatement(statement string) (node, error) {
	if cached, found := ev.cache.Get(statement); found {
		if parsed, ok := cached.(node); ok {
			return parsed, nil
		}
	}
	parsed, err := parse(statement)
	if err != nil {
		return nil, err
	}
	ev.cache.Set(statement, parsed, 1)
	return parsed, nil
}

// Evaluate returns the statement's boolean result for the event. Any
// parse or evaluation failure surfaces as an EvaluationError.
func (ev *EvaluatorImpl) Evaluate(statement string, context *event.Event) (bool, error) {
	parsed, err := ev.parsedStatement(statement)
	if err != nil {
		return false, &EvaluationError{Statement: statement, Cause: err}
	}
	result, err := evaluateNode(parsed, context)
	if err != nil {
		return false, &EvaluationError{Statement: statement, Cause: err}
	}
	boolResult, err := result.AsBool()
	if err != nil {
		return false, &EvaluationError{
			Statement: statement,
			Cause:     fmt.Errorf("%w: expression is not boolean", ErrType),
		}
	}
	return boolResult, nil
}

func evaluateNode(n node, context *event.Event) (event.Value, error) {
	switch typed := n.(type) {
	case literalNode:
		return typed.value, nil
	case setNode:
		return event.ListValue(typed.values), nil
	case fieldNode:
		value, found, err := context.Get(typed.key)
		if err != nil {
			return event.Null(), err
		}
		if !found {
			return event.Null(), fmt.Errorf("%w: %q", ErrUnknownField, typed.key)
		}
		return value, nil
	case notNode:
		operand, err := evaluateNode(typed.operand, context)
		if err != nil {
			return event.Null(), err
		}
		b, err := operand.AsBool()
		if err != nil {
			return event.Null(), fmt.Errorf("%w: \"not\" requires a boolean operand", ErrType)
		}
		return event.BoolValue(!b), nil
	case regexNode:
		operand, err := evaluateNode(typed.operand, context)
		if err != nil {
			return event.Null(), err
		}
		s, err := operand.AsString()
		if err != nil {
			return event.Null(), fmt.Errorf("%w: regex match requires a string operand", ErrType)
		}
		matched := typed.pattern.MatchString(s)
		return event.BoolValue(matched != typed.negated), nil
	case binaryNode:
		return evaluateBinary(typed, context)
	default:
		return event.Null(), fmt.Errorf("%w: unrecognized expression node", ErrParse)
	}
}

func evaluateBinary(n binaryNode, context *event.Event) (event.Value, error) {
	lhs, err := evaluateNode(n.lhs, context)
	if err != nil {
		return event.Null(), err
	}

	// and/or short-circuit before the right side is touched.
	if n.operator == "and" || n.operator == "or" {
		lhsBool, boolErr := lhs.AsBool()
		if boolErr != nil {
			return event.Null(), fmt.Errorf("%w: %q requires boolean operands", ErrType, n.operator)
		}
		if n.operator == "and" && !lhsBool {
			return event.BoolValue(false), nil
		}
		if n.operator == "or" && lhsBool {
			return event.BoolValue(true), nil
		}
		rhs, rhsErr := evaluateNode(n.rhs, context)
		if rhsErr != nil {
			return event.Null(), rhsErr
		}
		rhsBool, boolErr := rhs.AsBool()
		if boolErr != nil {
			return event.Null(), fmt.Errorf("%w: %q requires boolean operands", ErrType, n.operator)
		}
		return event.BoolValue(rhsBool), nil
	}

	rhs, err := evaluateNode(n.rhs, context)
	if err != nil {
		return event.Null(), err
	}

	switch n.operator {
	case "==":
		return event.BoolValue(lhs.Equal(rhs)), nil
	case "!=":
		return event.BoolValue(!lhs.Equal(rhs)), nil
	case "<", "<=", ">", ">=":
		return compareNumeric(n.operator, lhs, rhs)
	case "in":
		members, listErr := rhs.AsList()
		if listErr != nil {
			return event.Null(), fmt.Errorf("%w: \"in\" requires a set on the right", ErrType)
		}
		for _, member := range members {
			if lhs.Equal(member) {
				return event.BoolValue(true), nil
			}
		}
		return event.BoolValue(false), nil
	default:
		return event.Null(), fmt.Errorf("%w: unrecognized operator %q", ErrParse, n.operator)
	}
}

// compareNumeric orders int and float operands with cross-type promotion;
// any other pairing is a type error.
func compareNumeric(operator string, lhs event.Value, rhs event.Value) (event.Value, error) {
	if !lhs.IsNumeric() || !rhs.IsNumeric() {
		return event.Null(), fmt.Errorf(
			"%w: %q requires numeric operands, have %s and %s", ErrType, operator, lhs.Kind(), rhs.Kind())
	}
	lhsFloat, _ := lhs.AsFloat()
	rhsFloat, _ := rhs.AsFloat()
	switch operator {
	case "<":
		return event.BoolValue(lhsFloat < rhsFloat), nil
	case "<=":
		return event.BoolValue(lhsFloat <= rhsFloat), nil
	case ">":
		return event.BoolValue(lhsFloat > rhsFloat), nil
	default:
		return event.BoolValue(lhsFloat >= rhsFloat), nil
	}
}
