package utils

import (
	"math"
	"testing"
)

func TestParseBandExpressions(t *testing.T) {
	be, err := ParseBandExpressions([]string{"(nir - red) / (nir + red)", "ndwi = (green - nir) / (green + nir)"})
	if err != nil {
		t.Fatalf("ParseBandExpressions: %v", err)
	}
	if len(be.Expressions) != 2 {
		t.Fatalf("expected 2 expressions, got %d", len(be.Expressions))
	}
	if be.ExprNames[0] != "(nir - red) / (nir + red)" {
		t.Errorf("default name = %s", be.ExprNames[0])
	}
	if be.ExprNames[1] != "ndwi" {
		t.Errorf("named expression = %s", be.ExprNames[1])
	}
	wantVars := []string{"green", "nir", "red"}
	if len(be.VarList) != len(wantVars) {
		t.Fatalf("var list = %v", be.VarList)
	}
	for i, v := range wantVars {
		if be.VarList[i] != v {
			t.Errorf("var list = %v, want %v", be.VarList, wantVars)
			break
		}
	}
	if len(be.ExprVarRef[0]) != 2 {
		t.Errorf("expression 0 refs = %v", be.ExprVarRef[0])
	}

	if unknown := be.UnknownVariable([]string{"nir", "red", "green"}); unknown != "" {
		t.Errorf("unexpected unknown variable %s", unknown)
	}
	if unknown := be.UnknownVariable([]string{"nir", "red"}); unknown != "green" {
		t.Errorf("unknown variable = %s, want green", unknown)
	}
}

func TestParseBandExpressionsComparisonNotNamed(t *testing.T) {
	// an == comparison must not be mistaken for a name assignment
	be, err := ParseBandExpressions([]string{"b1 == 5"})
	if err != nil {
		t.Fatalf("ParseBandExpressions: %v", err)
	}
	if len(be.ExprVarRef[0]) != 1 || be.ExprVarRef[0][0] != "b1" {
		t.Errorf("refs = %v", be.ExprVarRef[0])
	}
	if be.ExprNames[0] != "b1 == 5" {
		t.Errorf("name = %s", be.ExprNames[0])
	}
}

func TestParseBandExpressionsInvalid(t *testing.T) {
	if _, err := ParseBandExpressions([]string{"b1 +* 2"}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := ParseBandExpressions([]string{" "}); err == nil {
		t.Error("expected error for empty expression")
	}
}

func TestEvaluateFloat(t *testing.T) {
	be, err := ParseBandExpressions([]string{"b1 * 2 + b2", "b1 > b2"})
	if err != nil {
		t.Fatal(err)
	}
	params := map[string]interface{}{"b1": 3.0, "b2": 4.0}

	v, err := EvaluateFloat(be.Expressions[0], params)
	if err != nil || v != 10 {
		t.Errorf("eval = %v, %v", v, err)
	}
	v, err = EvaluateFloat(be.Expressions[1], params)
	if err != nil || v != 0 {
		t.Errorf("bool as float = %v, %v", v, err)
	}

	// NaN propagates through arithmetic
	params["b1"] = math.NaN()
	v, err = EvaluateFloat(be.Expressions[0], params)
	if err != nil || !math.IsNaN(v) {
		t.Errorf("NaN propagation = %v, %v", v, err)
	}

	// division by zero degrades to missing instead of infinity
	div, err := ParseBandExpressions([]string{"b1 / b2"})
	if err != nil {
		t.Fatal(err)
	}
	v, err = EvaluateFloat(div.Expressions[0], map[string]interface{}{"b1": 1.0, "b2": 0.0})
	if err != nil || !math.IsNaN(v) {
		t.Errorf("division by zero = %v, %v", v, err)
	}
}

func TestEvaluateBool(t *testing.T) {
	be, err := ParseBandExpressions([]string{"b1 >= 10 && b1 < 20", "b1 - 10"})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := EvaluateBool(be.Expressions[0], map[string]interface{}{"b1": 15.0})
	if err != nil || !ok {
		t.Errorf("predicate = %v, %v", ok, err)
	}
	ok, err = EvaluateBool(be.Expressions[0], map[string]interface{}{"b1": 25.0})
	if err != nil || ok {
		t.Errorf("predicate = %v, %v", ok, err)
	}
	// numeric predicate: non-zero is true, NaN is false
	ok, err = EvaluateBool(be.Expressions[1], map[string]interface{}{"b1": 11.0})
	if err != nil || !ok {
		t.Errorf("numeric predicate = %v, %v", ok, err)
	}
	ok, err = EvaluateBool(be.Expressions[1], map[string]interface{}{"b1": math.NaN()})
	if err != nil || ok {
		t.Errorf("NaN predicate = %v, %v", ok, err)
	}
}
