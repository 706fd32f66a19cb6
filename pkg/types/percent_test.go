package types

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func uint256From(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestPercent_Of(t *testing.T) {
	tests := []struct {
		name   string
		p      Percent
		amount uint64
		want   uint64
	}{
		{"zero percent", 0, 100, 0},
		{"ten of hundred", 10, 100, 10},
		{"half of hundred", 50, 100, 50},
		{"full", 100, 123, 123},
		{"rounds up above half", 33, 5, 2},   // 1.65
		{"tie rounds down", 50, 5, 2},        // 2.5
		{"rounds down below half", 10, 4, 0}, // 0.4
		{"zero amount", 50, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.p.Of(uint256From(tt.amount))
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestPercent_OfLargeAmount(t *testing.T) {
	// Near the top of the range the product amount*p exceeds 256 bits.
	top := new(uint256.Int).SetAllOne()
	got := Percent(50).Of(top)

	want := new(uint256.Int).Rsh(top, 1) // floor(max/2), the .5 tie rounds down
	assert.Equal(t, want, got)
}
