package precompile_test

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/pkg/flip"
	"github.com/relves/randao/pkg/precompile"
)

func newPrecompile(t *testing.T) (*precompile.Randomness, *flip.Beacon) {
	t.Helper()
	src := flip.New()
	for i := 1; i <= 5; i++ {
		src.OnBlock(uint64(i), common.BytesToHash([]byte{byte(i)}))
	}
	return precompile.NewRandomness(src), src
}

func TestRandom(t *testing.T) {
	p, src := newPrecompile(t)

	input, err := precompile.ABI.Pack("collective_flip_random", []byte("lottery"))
	require.NoError(t, err)

	out, err := p.Run(input)
	require.NoError(t, err)
	vals, err := precompile.ABI.Unpack("collective_flip_random", out)
	require.NoError(t, err)
	require.Len(t, vals, 1)

	want, _ := src.Random([]byte("lottery"))
	assert.Equal(t, [32]byte(want), vals[0])

	assert.Equal(t, precompile.BaseGas+precompile.WordGas, p.RequiredGas(input))
}

func TestSeed(t *testing.T) {
	p, src := newPrecompile(t)

	input, err := precompile.ABI.Pack("collective_flip_seed")
	require.NoError(t, err)

	out, err := p.Run(input)
	require.NoError(t, err)
	vals, err := precompile.ABI.Unpack("collective_flip_seed", out)
	require.NoError(t, err)

	words := vals[0].([][32]byte)
	material := src.Material()
	require.Len(t, words, len(material))
	for i := range words {
		assert.Equal(t, [32]byte(material[i]), words[i])
	}
	assert.Equal(t, precompile.BaseGas+precompile.DBReadGas, p.RequiredGas(input))
}

func TestErrors(t *testing.T) {
	p, _ := newPrecompile(t)

	_, err := p.Run([]byte{1, 2})
	assert.ErrorIs(t, err, precompile.ErrInputTooShort)

	_, err = p.Run([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.ErrorIs(t, err, precompile.ErrUnknownSelector)

	input, err := precompile.ABI.Pack("collective_flip_random", bytes.Repeat([]byte{1}, precompile.MaxSubjectLen+1))
	require.NoError(t, err)
	_, err = p.Run(input)
	assert.ErrorIs(t, err, precompile.ErrSubjectTooLarge)

	method := precompile.ABI.Methods["collective_flip_random"]
	_, err = p.Run(append(append([]byte(nil), method.ID...), 0x01))
	assert.ErrorIs(t, err, precompile.ErrMalformedInput)
}

func TestCall_GasLimit(t *testing.T) {
	p, _ := newPrecompile(t)
	input, err := precompile.ABI.Pack("collective_flip_seed")
	require.NoError(t, err)

	_, _, err = p.Call(input, precompile.BaseGas)
	assert.ErrorIs(t, err, precompile.ErrOutOfGas)

	out, used, err := p.Call(input, 10_000)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, precompile.BaseGas+precompile.DBReadGas, used)
}
