package confirmation

import (
	"database/sql"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		confirmations int
		want          time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{20, 3600 * time.Second}, // clamps at the 1 hour ceiling
	}

	for _, c := range cases {
		got := backoffDelay(c.confirmations)
		if got != c.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", c.confirmations, got, c.want)
		}
	}
}

func TestEngine_ClassifyAmount(t *testing.T) {
	e := &Engine{cfg: *DefaultEngineConfig()}

	cases := []struct {
		name     string
		received string
		expected sql.NullString
		want     amountOutcome
	}{
		{"no expected amount is always exact", "123.0", sql.NullString{}, amountExact},
		{"exact match", "100.0", sql.NullString{String: "100.0", Valid: true}, amountExact},
		{"within underpayment tolerance", "99.5", sql.NullString{String: "100.0", Valid: true}, amountExact},
		{"beyond underpayment tolerance", "98.0", sql.NullString{String: "100.0", Valid: true}, amountUnderpaid},
		{"within overpayment tolerance", "100.4", sql.NullString{String: "100.0", Valid: true}, amountExact},
		{"beyond overpayment tolerance", "105.0", sql.NullString{String: "100.0", Valid: true}, amountOverpaid},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := e.classifyAmount(c.received, c.expected)
			if got != c.want {
				t.Errorf("classifyAmount(%s, %v) = %v, want %v", c.received, c.expected, got, c.want)
			}
		})
	}
}

func TestEngine_ExcessAmount(t *testing.T) {
	e := &Engine{cfg: *DefaultEngineConfig()}

	got := e.excessAmount("105.5", "100.0")
	want := "5.500000000000000000"
	if got != want {
		t.Errorf("excessAmount = %s, want %s", got, want)
	}

	if got := e.excessAmount("90.0", "100.0"); got != "" {
		t.Errorf("excessAmount for a shortfall = %q, want empty", got)
	}
}
