package vm

import (
	"fmt"
	"strings"
)

// transformFunc is a pure function identified by name in a TRANSFORM
// instruction's operands, applied to the instruction's src register values
// in order.
type transformFunc func(args []any) (any, error)

// transformFuncs holds the built-in TRANSFORM library. Workflows reference
// these by name via the instruction's "function" operand.
var transformFuncs = map[string]transformFunc{
	"merge":       transformMerge,
	"uppercase":   transformUppercase,
	"lowercase":   transformLowercase,
	"concat":      transformConcat,
	"first":       transformFirst,
	"identity":    transformIdentity,
}

func transformMerge(args []any) (any, error) {
	merged := make(map[string]any)
	for _, arg := range args {
		m, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge: argument is not an object: %T", arg)
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged, nil
}

func transformUppercase(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("uppercase: expected 1 argument, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("uppercase: argument is not a string: %T", args[0])
	}
	return strings.ToUpper(s), nil
}

func transformLowercase(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lowercase: expected 1 argument, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("lowercase: argument is not a string: %T", args[0])
	}
	return strings.ToLower(s), nil
}

func transformConcat(args []any) (any, error) {
	var b strings.Builder
	for _, arg := range args {
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("concat: argument is not a string: %T", arg)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func transformFirst(args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("first: no arguments")
	}
	return args[0], nil
}

func transformIdentity(args []any) (any, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}
