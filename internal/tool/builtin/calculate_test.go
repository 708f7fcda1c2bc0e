package builtin

import (
	"context"
	"testing"
)

func evalExpr(t *testing.T, expr string) string {
	t.Helper()
	out, err := NewCalculateTool().Execute(context.Background(), map[string]interface{}{
		"expression": expr,
	})
	if err != nil {
		t.Fatalf("eval(%q): %v", expr, err)
	}
	return out.Text
}

func TestCalculate(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"2 + 3", "5"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"10 / 4", "2.5"},
		{"-5 + 3", "-2"},
		{"--5", "5"},
		{"2 ^ 10", "1024"},
		{"2 ^ 3 ^ 2", "512"}, // right-associative
		{"10 % 3", "1"},
		{"1.5 * 2", "3"},
	}
	for _, tc := range cases {
		if got := evalExpr(t, tc.expr); got != tc.want {
			t.Fatalf("eval(%q) = %s, want %s", tc.expr, got, tc.want)
		}
	}
}

func TestCalculateErrors(t *testing.T) {
	tool := NewCalculateTool()
	exprs := []string{
		"",
		"1 / 0",
		"10 % 0",
		"(1 + 2",
		"2 +",
		"abc",
		"1 @ 2",
	}
	for _, expr := range exprs {
		if _, err := tool.Execute(context.Background(), map[string]interface{}{"expression": expr}); err == nil {
			t.Fatalf("eval(%q) should fail", expr)
		}
	}
}
