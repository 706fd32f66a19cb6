package types

import "github.com/holiman/uint256"

// Percent is a fraction in whole percent, valid in [0, 100].
type Percent uint8

var hundred = uint256.NewInt(100)

// Valid reports whether p is within [0, 100].
func (p Percent) Valid() bool {
	return p <= 100
}

// Of returns p percent of amount, rounded to the nearest unit with ties
// rounded down.
func (p Percent) Of(amount *uint256.Int) *uint256.Int {
	if p == 0 || amount.IsZero() {
		return new(uint256.Int)
	}
	if p >= 100 {
		return amount.Clone()
	}
	// amount*p can exceed 256 bits; MulDivOverflow keeps the 512-bit product.
	quo, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(uint64(p)), hundred)

	// The remainder of (amount*p)/100 equals ((amount mod 100)*p) mod 100.
	rem := new(uint256.Int).Mod(amount, hundred).Uint64() * uint64(p) % 100
	if rem > 50 {
		quo.AddUint64(quo, 1)
	}
	return quo
}
