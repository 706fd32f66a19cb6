// Package precompile exposes the collective flip randomness source through
// an EVM ABI call interface.
package precompile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Gas schedule.
const (
	BaseGas   uint64 = 1_000
	WordGas   uint64 = 3
	DBReadGas uint64 = 2_500

	// MaxSubjectLen bounds the subject of collective_flip_random.
	MaxSubjectLen = 256
)

const randomnessABI = `[
  {"type": "function", "name": "collective_flip_random", "stateMutability": "view",
   "inputs": [{"name": "subject", "type": "bytes"}],
   "outputs": [{"name": "", "type": "bytes32"}]},
  {"type": "function", "name": "collective_flip_seed", "stateMutability": "view",
   "inputs": [],
   "outputs": [{"name": "", "type": "bytes32[]"}]}
]`

var (
	ErrInputTooShort   = errors.New("precompile: input too short")
	ErrUnknownSelector = errors.New("precompile: unknown selector")
	ErrSubjectTooLarge = errors.New("precompile: subject too large")
	ErrMalformedInput  = errors.New("precompile: malformed input")
	ErrOutOfGas        = errors.New("precompile: out of gas")
)

// ABI is the parsed call interface.
var ABI = mustParse(randomnessABI)

func mustParse(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse randomness abi: %v", err))
	}
	return a
}

// Source provides collective flip randomness.
type Source interface {
	Random(subject []byte) (common.Hash, uint64)
	Material() []common.Hash
}

// Randomness is the randomness precompile.
type Randomness struct {
	source Source
}

// NewRandomness creates a precompile reading from source.
func NewRandomness(source Source) *Randomness {
	return &Randomness{source: source}
}

// RequiredGas returns the gas input costs. Undecodable input costs the base.
func (p *Randomness) RequiredGas(input []byte) uint64 {
	method, args, err := decode(input)
	if err != nil {
		return BaseGas
	}
	switch method.Name {
	case "collective_flip_random":
		words := (uint64(len(args[0].([]byte))) + 31) / 32
		return BaseGas + WordGas*words
	default:
		return BaseGas + DBReadGas
	}
}

// Run executes the call encoded in input and returns the ABI-encoded result.
func (p *Randomness) Run(input []byte) ([]byte, error) {
	method, args, err := decode(input)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "collective_flip_random":
		subject := args[0].([]byte)
		if len(subject) > MaxSubjectLen {
			return nil, fmt.Errorf("%w: %d bytes, max %d", ErrSubjectTooLarge, len(subject), MaxSubjectLen)
		}
		out, _ := p.source.Random(subject)
		return method.Outputs.Pack([32]byte(out))
	default:
		material := p.source.Material()
		words := make([][32]byte, len(material))
		for i, h := range material {
			words[i] = h
		}
		return method.Outputs.Pack(words)
	}
}

// Call runs input within gasLimit and returns the result and the gas used.
func (p *Randomness) Call(input []byte, gasLimit uint64) ([]byte, uint64, error) {
	gas := p.RequiredGas(input)
	if gas > gasLimit {
		return nil, 0, fmt.Errorf("%w: need %d, limit %d", ErrOutOfGas, gas, gasLimit)
	}
	out, err := p.Run(input)
	if err != nil {
		return nil, gas, err
	}
	return out, gas, nil
}

func decode(input []byte) (*abi.Method, []interface{}, error) {
	if len(input) < 4 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrInputTooShort, len(input))
	}
	method, err := ABI.MethodById(input[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %x", ErrUnknownSelector, input[:4])
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	return method, args, nil
}
