// Package rules implements condition evaluation and the trigger scheduler
// that turns rule definitions into outbound commands.
package rules

import (
	"strconv"
	"strings"
)

// Evaluate compares actual against expected under operator. "contains" is a
// plain substring test. Every other operator first tries numeric
// comparison; when either side is not a number both are compared as
// strings, using lexicographic order for the inequalities. Unknown
// operators return false; the API rejects them before a rule is stored.
func Evaluate(operator, expected, actual string) bool {
	if operator == "contains" {
		return strings.Contains(actual, expected)
	}

	a, errA := strconv.ParseFloat(actual, 64)
	e, errE := strconv.ParseFloat(expected, 64)
	if errA == nil && errE == nil {
		switch operator {
		case "==":
			return a == e
		case "!=":
			return a != e
		case ">":
			return a > e
		case "<":
			return a < e
		case ">=":
			return a >= e
		case "<=":
			return a <= e
		}
		return false
	}

	switch operator {
	case "==":
		return actual == expected
	case "!=":
		return actual != expected
	case ">":
		return actual > expected
	case "<":
		return actual < expected
	case ">=":
		return actual >= expected
	case "<=":
		return actual <= expected
	}
	return false
}
