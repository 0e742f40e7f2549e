package utils

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	goeval "github.com/edisonguo/govaluate"
)

var exprNameRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^=].*)$`)

// BandExpressions holds a set of parsed per-pixel expressions together
// with the variables each of them references. An expression may carry
// an output name in the form name=expr, otherwise the expression text
// itself names the output band.
type BandExpressions struct {
	ExprText    []string
	Expressions []*goeval.EvaluableExpression
	ExprNames   []string
	ExprVarRef  [][]string
	VarList     []string
}

func ParseBandExpressions(bandExprs []string) (*BandExpressions, error) {
	bandExpr := &BandExpressions{}
	varMap := make(map[string]struct{})
	for _, exprStr := range bandExprs {
		text := strings.TrimSpace(exprStr)
		if len(text) == 0 {
			return nil, fmt.Errorf("empty expression")
		}

		name := text
		if match := exprNameRe.FindStringSubmatch(text); match != nil {
			name = match[1]
			text = strings.TrimSpace(match[2])
		}

		expr, err := goeval.NewEvaluableExpression(text)
		if err != nil {
			return nil, fmt.Errorf("parsing expression '%s': %v", text, err)
		}

		varRef := []string{}
		seen := make(map[string]struct{})
		for _, token := range expr.Tokens() {
			if token.Kind != goeval.VARIABLE {
				continue
			}
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("expression '%s': variable token is not a string", text)
			}
			if _, found := seen[varName]; !found {
				seen[varName] = struct{}{}
				varRef = append(varRef, varName)
			}
			varMap[varName] = struct{}{}
		}

		bandExpr.ExprText = append(bandExpr.ExprText, text)
		bandExpr.Expressions = append(bandExpr.Expressions, expr)
		bandExpr.ExprNames = append(bandExpr.ExprNames, name)
		bandExpr.ExprVarRef = append(bandExpr.ExprVarRef, varRef)
	}

	for v := range varMap {
		bandExpr.VarList = append(bandExpr.VarList, v)
	}
	sort.Strings(bandExpr.VarList)
	return bandExpr, nil
}

// UnknownVariable returns the first referenced variable not contained
// in valid, or the empty string when all references resolve.
func (be *BandExpressions) UnknownVariable(valid []string) string {
	validSet := make(map[string]struct{}, len(valid))
	for _, v := range valid {
		validSet[v] = struct{}{}
	}
	for _, v := range be.VarList {
		if _, found := validSet[v]; !found {
			return v
		}
	}
	return ""
}

// EvaluateFloat evaluates an expression over params and coerces the
// result to float64. Boolean results map to 1 and 0; non-finite
// results map to missing data.
func EvaluateFloat(expr *goeval.EvaluableExpression, params map[string]interface{}) (float64, error) {
	result, err := expr.Evaluate(params)
	if err != nil {
		return math.NaN(), err
	}
	switch v := result.(type) {
	case float64:
		if math.IsInf(v, 0) {
			return math.NaN(), nil
		}
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return math.NaN(), fmt.Errorf("expression result type %T is not numeric", result)
	}
}

// EvaluateBool evaluates a predicate expression over params. Numeric
// results are true when non-zero; missing data is false.
func EvaluateBool(expr *goeval.EvaluableExpression, params map[string]interface{}) (bool, error) {
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0 && !math.IsNaN(v), nil
	default:
		return false, fmt.Errorf("predicate result type %T is not boolean", result)
	}
}
