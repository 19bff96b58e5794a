package settlement

import (
	"math/big"
	"testing"
)

func TestScaledThreshold(t *testing.T) {
	cases := []struct {
		threshold string
		decimals  uint8
		want      *big.Int
	}{
		{"1000", 6, big.NewInt(1000000000)},
		{"0.5", 18, big.NewInt(500000000000000000)},
		{"", 6, nil},
		{"not-a-number", 6, nil},
	}

	for _, c := range cases {
		got := scaledThreshold(c.threshold, c.decimals)
		if c.want == nil {
			if got != nil {
				t.Errorf("scaledThreshold(%q, %d) = %s, want nil", c.threshold, c.decimals, got)
			}
			continue
		}
		if got == nil || got.Cmp(c.want) != 0 {
			t.Errorf("scaledThreshold(%q, %d) = %v, want %s", c.threshold, c.decimals, got, c.want)
		}
	}
}

func TestToDecimalString(t *testing.T) {
	got := toDecimalString(big.NewInt(1500000), 6)
	if got != "1.500000" {
		t.Errorf("toDecimalString(1500000, 6) = %s, want 1.500000", got)
	}
	if got := toDecimalString(nil, 6); got != "0" {
		t.Errorf("toDecimalString(nil) = %s, want 0", got)
	}
}
