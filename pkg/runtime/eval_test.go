package runtime

import (
	"context"
	"testing"
)

func evalOn(t *testing.T, in *ProcessInstance, expr string) any {
	t.Helper()
	v, err := VarEvaluator{}.Evaluate(context.Background(), expr, ExecContext{Instance: in})
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", expr, err)
	}
	return v
}

func TestVarEvaluator(t *testing.T) {
	in := &ProcessInstance{Variables: map[string]any{
		"approved": true,
		"amount":   int64(250),
		"owner":    "sam",
	}}

	if v := evalOn(t, in, "approved"); v != true {
		t.Fatalf("approved = %v", v)
	}
	if v := evalOn(t, in, "missing"); v != nil {
		t.Fatalf("missing = %v", v)
	}
	if v := evalOn(t, in, "!approved"); v != false {
		t.Fatalf("!approved = %v", v)
	}
	if v := evalOn(t, in, "!missing"); v != true {
		t.Fatalf("!missing = %v", v)
	}

	if v := evalOn(t, in, "owner == sam"); v != true {
		t.Fatalf("owner == sam -> %v", v)
	}
	if v := evalOn(t, in, "owner == 'sam'"); v != true {
		t.Fatalf("owner == 'sam' -> %v", v)
	}
	if v := evalOn(t, in, "amount == 250"); v != true {
		t.Fatalf("amount == 250 -> %v", v)
	}
	if v := evalOn(t, in, "amount != 250"); v != false {
		t.Fatalf("amount != 250 -> %v", v)
	}

	if v := evalOn(t, in, "stage = review"); v != "review" {
		t.Fatalf("assignment returned %v", v)
	}
	if got, _ := in.Variable("stage"); got != "review" {
		t.Fatalf("stage = %v", got)
	}
	evalOn(t, in, "count = 3")
	if got, _ := in.Variable("count"); got != int64(3) {
		t.Fatalf("count = %v (%T)", got, got)
	}
	evalOn(t, in, "flag = false")
	if got, _ := in.Variable("flag"); got != false {
		t.Fatalf("flag = %v", got)
	}

	if _, err := (VarEvaluator{}).Evaluate(context.Background(), "  ", ExecContext{Instance: in}); err == nil {
		t.Fatalf("expected error for an empty expression")
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"", false},
		{"yes", true},
		{int64(0), false},
		{int64(7), true},
		{0.0, false},
		{1.5, true},
	}
	for _, c := range cases {
		if got := Truthy(c.v); got != c.want {
			t.Fatalf("Truthy(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}
