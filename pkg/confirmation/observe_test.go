package confirmation

import (
	"math/big"
	"testing"
)

func TestToDecimalString(t *testing.T) {
	cases := []struct {
		raw      int64
		decimals uint8
		want     string
	}{
		{1500000, 6, "1.500000"},
		{0, 18, "0." + zeros(18)},
		{1000000000000000000, 18, "1." + zeros(18)},
	}

	for _, c := range cases {
		got := toDecimalString(big.NewInt(c.raw), c.decimals)
		if got != c.want {
			t.Errorf("toDecimalString(%d, %d) = %s, want %s", c.raw, c.decimals, got, c.want)
		}
	}
}

func zeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
